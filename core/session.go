package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/maps"
	"golang.org/x/time/rate"
)

var ErrSessionClosed = errors.New("room session closed")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Emitter is the socket side of a room session.
type Emitter interface {
	Emit(t string, payload any) error
	JoinRoom(room string) error
	LeaveRoom(room string) error
}

// RoomAPI is the REST side of a room session.
type RoomAPI interface {
	MessageFetcher
	ReactionAPI
	EditMessage(ctx context.Context, messageID int64, content string) error
	DeleteMessage(ctx context.Context, messageID int64, username string) error
}

// RoomObserver receives everything the conversation screen renders.
type RoomObserver interface {
	CallObserver
	MessagesChanged(room string, messages []Message)
	TypingChanged(room string, typing map[string]string)
	BackgroundChanged(room string, color string)
	NotificationReceived(room string, from string, ts int64)
	// OfflineChanged toggles the "showing cached data" banner.
	OfflineChanged(room string, offline bool)
}

type NopRoomObserver struct {
	NopCallObserver
}

func (NopRoomObserver) MessagesChanged(string, []Message)          {}
func (NopRoomObserver) TypingChanged(string, map[string]string)    {}
func (NopRoomObserver) BackgroundChanged(string, string)           {}
func (NopRoomObserver) NotificationReceived(string, string, int64) {}
func (NopRoomObserver) OfflineChanged(string, bool)                {}

type RoomConfig struct {
	Self string `validate:"required"`
	Room string `validate:"required"`
	// SyncLimit bounds one incremental fetch.
	SyncLimit int `mapstructure:"sync_limit" validate:"gte=0"`
	// TypingTimeout clears a typing indicator that was not refreshed.
	TypingTimeout time.Duration `mapstructure:"typing_timeout" validate:"gte=0"`
	// TypingInterval is the minimum gap between two outbound live_typing frames.
	TypingInterval time.Duration `mapstructure:"typing_interval" validate:"gte=0"`
	QueueSize      int           `mapstructure:"queue_size" validate:"gte=0"`
	Call           CallConfig    `mapstructure:"call"`
}

// RoomDeps are the collaborators of a room session. Cache, Peers, Media and
// Observer may be nil.
type RoomDeps struct {
	Socket   Emitter
	API      RoomAPI
	Cache    MessageCache
	Peers    PeerFactory
	Media    MediaProvider
	Observer RoomObserver
	Norm     *TimestampNormalizer
	Logger   *slog.Logger
	Metrics  *Metrics
}

// RoomSession owns everything about one open conversation: its messages,
// reactions, typing indicators, background color and call. Every event, timer
// and async result is handled on one loop, so the state needs no locks.
// Exported methods may be called from any goroutine.
type RoomSession struct {
	ID   string
	cfg  RoomConfig
	peer string

	sched    Scheduler
	loop     *loopScheduler
	done     chan struct{}
	socket   Emitter
	api      RoomAPI
	cache    MessageCache
	observer RoomObserver
	logger   *slog.Logger

	rec       *Reconciler
	reactions *ReactionAggregator
	syncer    *Syncer
	call      *CallController

	syncing    bool
	resyncNext bool
	offline    bool

	typing        map[string]string
	typingTimers  map[string]Timer
	typingLimiter *rate.Limiter
	ownTyping     Timer
	trailing      Timer
	background    string

	fileToken string

	saving    bool
	dirty     bool
	dirtyMsgs []Message

	closed atomic.Bool
}

// NewRoomSession creates the session and starts its loop. Call Open to load
// and sync the room.
func NewRoomSession(ctx context.Context, cfg RoomConfig, deps RoomDeps) (*RoomSession, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("NewRoomSession: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	loop := newLoopScheduler(ctx, size, logger.With(slog.String("room", cfg.Room)))
	r := newRoomSession(cfg, deps, loop)
	r.loop = loop
	go loop.run()
	return r, nil
}

func newRoomSession(cfg RoomConfig, deps RoomDeps, sched Scheduler) *RoomSession {
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = 3 * time.Second
	}
	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = 500 * time.Millisecond
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := deps.Observer
	if observer == nil {
		observer = NopRoomObserver{}
	}
	norm := deps.Norm
	if norm == nil {
		norm = NewTimestampNormalizer(logger, deps.Metrics)
	}

	r := &RoomSession{
		ID:            uuid.NewString(),
		cfg:           cfg,
		peer:          RoomPeer(cfg.Room, cfg.Self),
		sched:         sched,
		done:          make(chan struct{}),
		socket:        deps.Socket,
		api:           deps.API,
		cache:         deps.Cache,
		observer:      observer,
		logger:        logger.With(slog.String("room", cfg.Room)),
		typing:        make(map[string]string),
		typingTimers:  make(map[string]Timer),
		typingLimiter: rate.NewLimiter(rate.Every(cfg.TypingInterval), 1),
	}
	r.rec = NewReconciler(cfg.Room, norm, r.logger,
		WithClock(sched.Now),
		WithReconcilerMetrics(deps.Metrics),
		WithOnChange(r.messagesChanged))
	r.reactions = NewReactionAggregator(r.rec, deps.API, sched, r.logger)
	r.syncer = NewSyncer(deps.API, nil, cfg.SyncLimit, r.logger, deps.Metrics)

	peers, media := deps.Peers, deps.Media
	if peers == nil {
		peers = noPeers{}
	}
	if media == nil {
		media = noMedia{}
	}
	r.call = NewCallController(cfg.Self, r.peer, sched, peers, media, r, observer, cfg.Call, r.logger, deps.Metrics)
	return r
}

func (r *RoomSession) Room() string {
	return r.cfg.Room
}

// do runs f on the loop and waits for its result.
func (r *RoomSession) do(f func() error) error {
	errc := make(chan error, 1)
	r.sched.Post(func() { errc <- f() })
	select {
	case err := <-errc:
		return err
	case <-r.done:
		return ErrSessionClosed
	}
}

// Open loads the cached messages, joins the room and syncs it.
func (r *RoomSession) Open() {
	r.sched.Post(func() {
		if r.cache == nil {
			r.join()
			r.startSync()
			return
		}
		r.sched.Async(func(ctx context.Context) func() {
			cached, err := r.cache.LoadMessages(ctx, r.cfg.Room)
			return func() {
				if err != nil {
					r.logger.Error(fmt.Sprintf("load cache: %s", err))
				}
				if len(cached) > 0 {
					r.rec.MergeBatch(cached, "cache")
				}
				r.join()
				r.startSync()
			}
		})
	})
}

func (r *RoomSession) join() {
	if err := r.socket.JoinRoom(r.cfg.Room); err != nil {
		r.logger.Warn("join room", slog.String("error", err.Error()))
	}
}

// Resync fetches what is new since the last known message.
func (r *RoomSession) Resync() {
	r.sched.Post(r.startSync)
}

func (r *RoomSession) startSync() {
	if r.syncing {
		r.resyncNext = true
		return
	}
	r.syncing = true
	cached, mark := r.rec.Snapshot()
	r.sched.Async(func(ctx context.Context) func() {
		res, err := r.syncer.Sync(ctx, r.cfg.Room, cached)
		return func() {
			r.syncing = false
			if err != nil {
				r.logger.Warn("sync failed, showing cached data", slog.String("error", err.Error()))
				r.setOffline(true)
			} else {
				r.setOffline(false)
				if res.Reset {
					r.rec.ResetSince(mark)
				} else {
					r.rec.MergeBatch(res.Fetched, "rest")
				}
			}
			if r.resyncNext {
				r.resyncNext = false
				r.startSync()
			}
		}
	})
}

func (r *RoomSession) setOffline(offline bool) {
	if r.offline == offline {
		return
	}
	r.offline = offline
	r.observer.OfflineChanged(r.cfg.Room, offline)
}

func (r *RoomSession) messagesChanged(room string, msgs []Message) {
	r.observer.MessagesChanged(room, msgs)
	r.persist(msgs)
}

// persist saves the latest list; saves never overlap and only the newest
// pending list is written.
func (r *RoomSession) persist(msgs []Message) {
	if r.cache == nil {
		return
	}
	r.dirty, r.dirtyMsgs = true, msgs
	r.flush()
}

func (r *RoomSession) flush() {
	if r.saving || !r.dirty {
		return
	}
	msgs := r.dirtyMsgs
	r.dirty, r.dirtyMsgs, r.saving = false, nil, true
	r.sched.Async(func(ctx context.Context) func() {
		err := r.save(ctx, msgs)
		return func() {
			r.saving = false
			if err != nil {
				r.logger.Error(fmt.Sprintf("save cache: %s", err))
			}
			r.flush()
		}
	})
}

func (r *RoomSession) save(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return r.cache.ClearMessages(ctx, r.cfg.Room)
	}
	return r.cache.SaveMessages(ctx, r.cfg.Room, msgs)
}

type chatMessagePayload struct {
	Room      string        `json:"room"`
	Message   string        `json:"message"`
	From      string        `json:"from"`
	Timestamp string        `json:"timestamp"`
	ClientID  int64         `json:"client_id"`
	Reply     *replyPayload `json:"reply,omitempty"`
}

type replyPayload struct {
	MessageID int64  `json:"message_id,omitempty"`
	Message   string `json:"message"`
	Sender    string `json:"sender"`
}

// Send shows content at once as a pending local echo and sends it. When the
// socket is down the echo stays pending and can be sent again with Retry.
func (r *RoomSession) Send(content string, replyTo *Reply) (Message, error) {
	d := Draft{Sender: r.cfg.Self, Content: content, Type: TextMessage, ReplyTo: replyTo}
	if err := validate.Struct(d); err != nil {
		return Message{}, fmt.Errorf("Send: %w", err)
	}
	var m Message
	err := r.do(func() error {
		r.stopOwnTyping()
		m = r.rec.IngestLocalEcho(d)
		return r.emitMessage(m)
	})
	return m, err
}

func (r *RoomSession) emitMessage(m Message) error {
	p := chatMessagePayload{
		Room:      r.cfg.Room,
		Message:   m.Content,
		From:      m.Sender,
		Timestamp: FormatTimestamp(m.Timestamp),
		ClientID:  m.ClientID,
	}
	if m.ReplyTo != nil {
		p.Reply = &replyPayload{MessageID: m.ReplyTo.MessageID, Message: m.ReplyTo.Content, Sender: m.ReplyTo.Sender}
	}
	if err := r.socket.Emit(EventSendChatMessage, p); err != nil {
		r.logger.Warn("message stays pending", slog.Int64("client_id", m.ClientID), slog.String("error", err.Error()))
		return fmt.Errorf("Send: %w", err)
	}
	return nil
}

// Retry sends a pending local echo again.
func (r *RoomSession) Retry(clientID int64) error {
	return r.do(func() error {
		m, ok := r.rec.Lookup(clientID)
		if !ok || m.HasServerID() || m.Status != StatusPending {
			return NewErrorf(ErrUnknownMessage, "no pending message %d", clientID)
		}
		if m.Type == FileMessage && m.Attachment != nil {
			return r.emitFile(m)
		}
		return r.emitMessage(m)
	})
}

// SendFile announces an uploaded file. The bytes must already be uploaded to
// att.URL; a missing att.ID is generated.
func (r *RoomSession) SendFile(att Attachment, token string) (Message, error) {
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	d := Draft{Sender: r.cfg.Self, Type: FileMessage, Attachment: &att}
	if err := validate.Struct(d); err != nil {
		return Message{}, fmt.Errorf("SendFile: %w", err)
	}
	var m Message
	err := r.do(func() error {
		r.fileToken = token
		m = r.rec.IngestLocalEcho(d)
		return r.emitFile(m)
	})
	return m, err
}

func (r *RoomSession) emitFile(m Message) error {
	a := m.Attachment
	err := r.socket.Emit(EventSendFile, map[string]any{
		"room":      r.cfg.Room,
		"from":      r.cfg.Self,
		"token":     r.fileToken,
		"client_id": m.ClientID,
		"file_id":   a.ID,
		"file_name": a.Name,
		"file_type": a.MIME,
		"file_size": a.Size,
		"file_url":  a.URL,
	})
	if err != nil {
		return fmt.Errorf("SendFile: %w", err)
	}
	return nil
}

// React reacts to message id with emoji; the reaction shows at once.
func (r *RoomSession) React(id int64, emoji string) error {
	return r.do(func() error {
		r.reactions.React(id, r.cfg.Self, emoji, nil)
		return nil
	})
}

func (r *RoomSession) Unreact(id int64) error {
	return r.do(func() error {
		r.reactions.Unreact(id, r.cfg.Self, nil)
		return nil
	})
}

// Edit replaces the content of one of the user's messages. The edit shows at
// once and is reverted if the server refuses it.
func (r *RoomSession) Edit(id int64, content string) error {
	return r.do(func() error {
		m, ok := r.rec.Lookup(id)
		if !ok || !m.HasServerID() {
			return NewErrorf(ErrUnknownMessage, "edit %d", id)
		}
		old := m.Content
		r.rec.ApplyEdit(m.MessageID, content)
		r.sched.Async(func(ctx context.Context) func() {
			err := r.api.EditMessage(ctx, m.MessageID, content)
			return func() {
				if err != nil {
					r.logger.Warn("edit failed, reverting", slog.Int64("message_id", m.MessageID), slog.String("error", err.Error()))
					r.rec.ApplyEdit(m.MessageID, old)
				}
			}
		})
		return nil
	})
}

// Delete deletes one of the user's messages once the server confirms it. A
// pending echo is dropped locally.
func (r *RoomSession) Delete(id int64) error {
	return r.do(func() error {
		m, ok := r.rec.Lookup(id)
		if !ok {
			return NewErrorf(ErrUnknownMessage, "delete %d", id)
		}
		if !m.HasServerID() {
			r.rec.Delete(id)
			return nil
		}
		r.sched.Async(func(ctx context.Context) func() {
			err := r.api.DeleteMessage(ctx, m.MessageID, r.cfg.Self)
			return func() {
				if err != nil && !IsNotFound(err) {
					r.logger.Warn("delete failed", slog.Int64("message_id", m.MessageID), slog.String("error", err.Error()))
					return
				}
				r.rec.Delete(m.MessageID)
			}
		})
		return nil
	})
}

// Typing reports the text being composed. Frames are throttled; the last
// text is always sent and cleared after a quiet period.
func (r *RoomSession) Typing(text string) {
	r.sched.Post(func() {
		stopTimer(r.ownTyping)
		stopTimer(r.trailing)
		if text == "" {
			r.emitTyping("")
			return
		}
		if r.typingLimiter.AllowN(r.sched.Now(), 1) {
			r.emitTyping(text)
		} else {
			r.trailing = r.sched.AfterFunc(r.cfg.TypingInterval, func() { r.emitTyping(text) })
		}
		r.ownTyping = r.sched.AfterFunc(r.cfg.TypingTimeout, func() { r.emitTyping("") })
	})
}

func (r *RoomSession) stopOwnTyping() {
	if r.ownTyping == nil && r.trailing == nil {
		return
	}
	stopTimer(r.ownTyping)
	stopTimer(r.trailing)
	r.ownTyping, r.trailing = nil, nil
	r.emitTyping("")
}

func (r *RoomSession) emitTyping(text string) {
	err := r.socket.Emit(EventLiveTyping, map[string]string{"room": r.cfg.Room, "from": r.cfg.Self, "text": text})
	if err != nil {
		r.logger.Debug("live typing not sent", slog.String("error", err.Error()))
	}
}

func (r *RoomSession) SetColor(color string) error {
	return r.do(func() error {
		r.setBackground(color)
		return r.socket.Emit(EventSendColor, map[string]string{"room": r.cfg.Room, "from": r.cfg.Self, "color": color})
	})
}

func (r *RoomSession) ResetColor() error {
	return r.do(func() error {
		r.setBackground("")
		return r.socket.Emit(EventResetColor, map[string]string{"room": r.cfg.Room, "from": r.cfg.Self})
	})
}

func (r *RoomSession) setBackground(color string) {
	if r.background == color {
		return
	}
	r.background = color
	r.observer.BackgroundChanged(r.cfg.Room, color)
}

// Notify nudges the other participant.
func (r *RoomSession) Notify() error {
	return r.do(func() error {
		return r.socket.Emit(EventSendNotification, map[string]string{"room": r.cfg.Room, "from": r.cfg.Self})
	})
}

// SendSignal implements SignalSender for the room's call controller.
func (r *RoomSession) SendSignal(sig Signal) error {
	return r.socket.Emit(EventSignal, map[string]any{"room": r.cfg.Room, "from": r.cfg.Self, "signal": sig})
}

func (r *RoomSession) StartCall(t CallType) {
	r.sched.Post(func() { r.call.StartCall(t) })
}

func (r *RoomSession) AcceptCall() error {
	return r.do(r.call.Accept)
}

func (r *RoomSession) DeclineCall() error {
	return r.do(r.call.Decline)
}

func (r *RoomSession) Hangup() error {
	return r.do(r.call.Hangup)
}

func (r *RoomSession) CallState() CallState {
	var s CallState
	r.do(func() error {
		s = r.call.State()
		return nil
	})
	return s
}

func (r *RoomSession) HandleLocalCandidate(sessionID string, candidate json.RawMessage) {
	r.sched.Post(func() { r.call.HandleLocalCandidate(sessionID, candidate) })
}

func (r *RoomSession) HandlePeerState(sessionID string, state PeerState) {
	r.sched.Post(func() { r.call.HandlePeerState(sessionID, state) })
}

func (r *RoomSession) HandleRemoteStream(sessionID string, stream MediaStream) {
	r.sched.Post(func() { r.call.HandleRemoteStream(sessionID, stream) })
}

// Messages returns the canonical list.
func (r *RoomSession) Messages() []Message {
	var msgs []Message
	r.do(func() error {
		msgs = r.rec.Messages()
		return nil
	})
	return msgs
}

// AwaitsEcho reports whether raw is the server copy of a message sent from
// this room that is still pending.
func (r *RoomSession) AwaitsEcho(raw []byte) bool {
	var ok bool
	r.do(func() error {
		ok = r.rec.AwaitsEcho(raw)
		return nil
	})
	return ok
}

// TypingUsers returns who is typing, sorted.
func (r *RoomSession) TypingUsers() []string {
	var users []string
	r.do(func() error {
		users = maps.Keys(r.typing)
		slices.Sort(users)
		return nil
	})
	return users
}

func (r *RoomSession) Background() string {
	var color string
	r.do(func() error {
		color = r.background
		return nil
	})
	return color
}

// Handle queues an inbound socket event for the loop.
func (r *RoomSession) Handle(_ context.Context, e *Event) error {
	r.sched.Post(func() { r.handle(e) })
	return nil
}

func (r *RoomSession) handle(e *Event) {
	raw := []byte(e.Payload)
	switch e.Type {
	case EventReceiveChatMessage, EventAudioMessage, EventFileMessage:
		m, _ := r.rec.IngestRemote(raw)
		r.clearTyping(m.Sender)
	case EventMessageDelivered:
		status := ParseMessageStatus(gjson.GetBytes(raw, "status").String())
		if status == "" {
			status = StatusDelivered
		}
		for _, id := range []int64{firstInt(raw, "message_id", "messageId"), firstInt(raw, "client_id")} {
			if id != 0 {
				r.rec.MarkStatus(id, status)
			}
		}
	case EventReactionsUpdated, EventReceiveReaction:
		if err := r.reactions.ApplyServer(raw); err != nil {
			r.logger.Debug("reaction update not applied", slog.String("error", err.Error()))
		}
	case EventMessageDeleted:
		r.rec.Delete(firstInt(raw, "message_id", "messageId", "id"))
	case EventMessageEdited:
		id := firstInt(raw, "messageId", "message_id", "id")
		content := firstString(raw, "", "newContent", "new_content", "content")
		if !r.rec.ApplyEdit(id, content) {
			r.logger.Debug("edit of unknown message", slog.Int64("message_id", id))
		}
	case EventSignal:
		from, sig, err := DecodeSignal(raw)
		if err != nil {
			r.logger.Warn("malformed signal", slog.String("error", err.Error()))
			return
		}
		r.call.HandleSignal(from, sig)
	case EventLiveTyping:
		r.setTyping(gjson.GetBytes(raw, "from").String(), gjson.GetBytes(raw, "text").String())
	case EventReceiveColor:
		r.setBackground(gjson.GetBytes(raw, "color").String())
	case EventReceiveResetColor:
		r.setBackground("")
	case EventReceiveNotification:
		r.observer.NotificationReceived(r.cfg.Room, gjson.GetBytes(raw, "from").String(),
			r.rec.norm.Normalize(gjson.GetBytes(raw, "timestamp")))
	case EventConnect:
		r.setOffline(false)
		r.startSync()
	case EventDisconnect:
		r.setOffline(true)
		for u := range r.typing {
			r.clearTyping(u)
		}
	default:
		r.logger.Debug(fmt.Sprintf("unhandled room event: %v", e))
	}
}

func (r *RoomSession) setTyping(from, text string) {
	if from == "" || from == r.cfg.Self {
		return
	}
	if text == "" {
		r.clearTyping(from)
		return
	}
	stopTimer(r.typingTimers[from])
	r.typing[from] = text
	r.typingTimers[from] = r.sched.AfterFunc(r.cfg.TypingTimeout, func() { r.clearTyping(from) })
	r.observer.TypingChanged(r.cfg.Room, maps.Clone(r.typing))
}

func (r *RoomSession) clearTyping(from string) {
	if _, ok := r.typing[from]; !ok {
		return
	}
	stopTimer(r.typingTimers[from])
	delete(r.typingTimers, from)
	delete(r.typing, from)
	r.observer.TypingChanged(r.cfg.Room, maps.Clone(r.typing))
}

// Close ends any call, leaves the room and writes the final list to the cache.
func (r *RoomSession) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	var final []Message
	err := r.do(func() error {
		r.call.Close()
		r.stopOwnTyping()
		for u := range r.typing {
			r.clearTyping(u)
		}
		final = r.rec.Messages()
		return r.socket.LeaveRoom(r.cfg.Room)
	})
	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	if r.loop != nil {
		r.loop.close()
	}
	close(r.done)
	if r.cache != nil {
		if serr := r.save(ctx, final); serr != nil {
			return fmt.Errorf("Close: %w", serr)
		}
	}
	return err
}

type noPeers struct{}

func (noPeers) NewPeer(context.Context, string, CallType) (PeerConnection, error) {
	return nil, errors.New("calls are not available")
}

type noMedia struct{}

func (noMedia) Acquire(context.Context, CallType) (MediaStream, error) {
	return nil, NewSurfacedError(ErrPermissionDenied, "no media provider")
}
