package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Socket events consumed by the client.
const (
	EventConnect             = "connect"
	EventDisconnect          = "disconnect"
	EventConnectError        = "connect_error"
	EventUserList            = "user_list"
	EventReceiveChatMessage  = "receive_chat_message"
	EventMessageDelivered    = "message_delivered"
	EventLiveTyping          = "live_typing"
	EventAudioMessage        = "audio_message"
	EventFileMessage         = "file_message"
	EventReactionsUpdated    = "message_reactions_updated"
	EventReceiveReaction     = "receive_reaction"
	EventMessageDeleted      = "chat_message_deleted"
	EventMessageEdited       = "message_edited"
	EventSignal              = "signal"
	EventReceiveColor        = "receive_color"
	EventReceiveResetColor   = "receive_reset_bg_color"
	EventReceiveNotification = "receive_notification"
	EventGlobalNotification  = "global_message_notification"
	EventForceLogout         = "force_logout"
)

// Socket events produced by the client.
const (
	EventRegister         = "register"
	EventJoin             = "join"
	EventSendChatMessage  = "send_chat_message"
	EventSendFile         = "send_file"
	EventSendColor        = "send_color"
	EventResetColor       = "reset_bg_color"
	EventSendNotification = "send_notification"
)

// Event is the frame exchanged over the socket.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Type: %s, Payload.Size: %d}", e.Type, len(e.Payload))
}

func NewEvent(t string, payload any) (*Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return &Event{Type: t, Payload: b}, nil
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

type EventHandler func(context.Context, *Event) error

// EventRouter dispatches inbound events to the handlers registered for their
// type. Handlers run on the caller's goroutine, in registration order.
type EventRouter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
	logger    *slog.Logger
}

func NewEventRouter(logger *slog.Logger) *EventRouter {
	return &EventRouter{
		listeners: make(map[string][]EventHandler),
		logger:    logger,
	}
}

func (r *EventRouter) On(eventName string, handler EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[eventName] = append(r.listeners[eventName], handler)
}

// Dispatch hands e to its handlers. Handler errors are logged, never returned:
// one broken frame must not stop the read loop.
func (r *EventRouter) Dispatch(ctx context.Context, e *Event) {
	r.mu.RLock()
	handlers := r.listeners[e.Type]
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.logger.Debug(fmt.Sprintf("unhandled: %v", e))
		return
	}
	r.logger.Debug(fmt.Sprintf("received: %v", e))
	for _, h := range handlers {
		if err := h(ctx, e); err != nil {
			r.logger.Error(fmt.Sprintf("%s handler: %s", e.Type, err))
		}
	}
}
