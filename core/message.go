package core

import (
	"slices"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	TextMessage  MessageType = "text"
	AudioMessage MessageType = "audio"
	FileMessage  MessageType = "file"
)

// MessageType determines how the content of a message should be interpreted.
type MessageType string

const (
	// StatusPending is a local echo the server has not confirmed yet.
	StatusPending MessageStatus = "pending"
	// StatusSent is stored by the server but not yet delivered to the peer.
	StatusSent MessageStatus = "sent"
	// StatusDelivered is delivered to the peer. The server's "seen" decodes as delivered.
	StatusDelivered MessageStatus = "delivered"
)

type MessageStatus string

func (s MessageStatus) rank() int {
	switch s {
	case StatusDelivered:
		return 2
	case StatusSent:
		return 1
	default:
		return 0
	}
}

func maxStatus(a, b MessageStatus) MessageStatus {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

func ParseMessageStatus(s string) MessageStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return StatusPending
	case "sent":
		return StatusSent
	case "delivered", "seen", "read":
		return StatusDelivered
	default:
		return ""
	}
}

// Reply is the context of the message a message replies to.
type Reply struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	MessageID int64  `json:"message_id,omitempty"`
}

// Attachment describes the file or audio clip carried by a non-text message.
// The bytes themselves are transported out of band.
type Attachment struct {
	ID       string  `json:"id,omitempty"`
	Name     string  `json:"name,omitempty"`
	MIME     string  `json:"mime,omitempty"`
	Size     int64   `json:"size,omitempty"`
	URL      string  `json:"url,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Message is a chat message in a room's canonical list.
// A zero MessageID or ClientID means the id has not been assigned.
type Message struct {
	MessageID  int64         `json:"message_id,omitempty"`
	ClientID   int64         `json:"client_id,omitempty"`
	Room       string        `json:"room"`
	Sender     string        `json:"sender"`
	Content    string        `json:"content"`
	Type       MessageType   `json:"type"`
	Timestamp  int64         `json:"timestamp"`
	Status     MessageStatus `json:"status"`
	Reactions  Reactions     `json:"reactions,omitempty"`
	ReplyTo    *Reply        `json:"reply_to,omitempty"`
	Attachment *Attachment   `json:"attachment,omitempty"`
	Edited     bool          `json:"edited,omitempty"`

	// seq is the insertion order within a reconciler, used to break ordering ties.
	seq int64
	// joined holds both halves when the record is a local echo matched to its
	// server copy by content.
	joined *contentMatch
}

// HasServerID reports whether the message carries a genuine server assigned id.
// Some clients fill message_id with the client id as a placeholder.
func (m *Message) HasServerID() bool {
	return m.MessageID != 0 && m.MessageID != m.ClientID
}

// LooksLocal reports whether the record looks like an unconfirmed local echo.
func (m *Message) LooksLocal() bool {
	return m.Status == StatusPending
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	m.Reactions = m.Reactions.Clone()
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		m.ReplyTo = &r
	}
	if m.Attachment != nil {
		a := *m.Attachment
		m.Attachment = &a
	}
	if m.joined != nil {
		j := contentMatch{echo: m.joined.echo.Clone(), server: m.joined.server.Clone()}
		m.joined = &j
	}
	return m
}

// Draft is a message composed locally, before it becomes a local echo.
type Draft struct {
	Sender     string      `validate:"required"`
	Content    string      `validate:"required_without=Attachment"`
	Type       MessageType `validate:"omitempty,oneof=text audio file"`
	ReplyTo    *Reply
	Attachment *Attachment
}

// RoomID returns the room identity of a conversation: the participant
// usernames sorted and joined with "-".
func RoomID(participants ...string) string {
	p := slices.Clone(participants)
	slices.Sort(p)
	return strings.Join(slices.Compact(p), "-")
}

// RoomPeer returns the participant of room other than self.
func RoomPeer(room, self string) string {
	for _, u := range strings.Split(room, "-") {
		if u != self {
			return u
		}
	}
	return ""
}

// DecodeMessage decodes any server message payload into a Message.
// It never fails: missing fields fall back to defaults so a malformed payload
// degrades the display instead of breaking the merge.
func DecodeMessage(room string, raw []byte, norm *TimestampNormalizer) Message {
	m := Message{
		Room:      firstString(raw, room, "room", "room_id"),
		Sender:    firstString(raw, "unknown", "sender", "from", "username"),
		Content:   firstString(raw, "", "content", "message", "text"),
		MessageID: firstInt(raw, "message_id", "id", "messageId"),
		ClientID:  firstInt(raw, "client_id", "clientId"),
		Timestamp: norm.PickCanonicalTimestamp(raw),
		Status:    ParseMessageStatus(gjson.GetBytes(raw, "status").String()),
		Edited:    gjson.GetBytes(raw, "edited").Bool(),
	}
	if room != "" {
		m.Room = room
	}
	if m.Status == "" {
		// only a record carrying nothing but a client id can be an echo
		if m.HasServerID() || (m.MessageID == 0 && m.ClientID == 0) {
			m.Status = StatusDelivered
		} else {
			m.Status = StatusPending
		}
	}

	if r := gjson.GetBytes(raw, "reactions"); r.Exists() {
		m.Reactions = ParseReactions([]byte(r.Raw))
	}
	m.ReplyTo = decodeReply(raw)
	m.Type, m.Attachment = decodeAttachment(raw)
	return m
}

func decodeReply(raw []byte) *Reply {
	if r := gjson.GetBytes(raw, "reply_to"); r.IsObject() {
		return &Reply{
			Sender:    r.Get("sender").String(),
			Content:   firstString([]byte(r.Raw), "", "content", "message"),
			MessageID: firstInt([]byte(r.Raw), "message_id", "id"),
		}
	}
	reply := &Reply{
		Sender:    gjson.GetBytes(raw, "reply_sender").String(),
		Content:   gjson.GetBytes(raw, "reply_content").String(),
		MessageID: firstInt(raw, "reply_to_message_id"),
	}
	if reply.Sender == "" && reply.Content == "" && reply.MessageID == 0 {
		return nil
	}
	return reply
}

func decodeAttachment(raw []byte) (MessageType, *Attachment) {
	t := MessageType(strings.ToLower(gjson.GetBytes(raw, "type").String()))
	res := gjson.GetManyBytes(raw,
		"audio_id", "audio_url", "audio_duration", "file_id", "file_name", "file_type", "file_size", "file_url", "blob")
	audioID, audioURL, duration := res[0], res[1], res[2]
	fileID, fileName, fileType, fileSize, fileURL := res[3], res[4], res[5], res[6], res[7]
	blob := res[8]

	switch {
	case t == AudioMessage || audioID.Exists() || audioURL.Exists() || blob.Exists() || gjson.GetBytes(raw, "audio_data").Exists():
		url := audioURL.String()
		if url == "" && strings.HasPrefix(blob.String(), "data:") {
			// socket audio arrives inline as a data URL
			url = blob.String()
		}
		return AudioMessage, &Attachment{
			ID:       audioID.String(),
			URL:      url,
			Duration: duration.Float(),
			MIME:     "audio/webm",
		}
	case t == FileMessage || (fileID.Exists() && fileID.Type != gjson.Null):
		return FileMessage, &Attachment{
			ID:   fileID.String(),
			Name: fileName.String(),
			MIME: fileType.String(),
			Size: fileSize.Int(),
			URL:  fileURL.String(),
		}
	default:
		return TextMessage, nil
	}
}

func firstString(raw []byte, def string, fields ...string) string {
	for _, f := range fields {
		r := gjson.GetBytes(raw, f)
		if r.Exists() && r.Type != gjson.Null && r.String() != "" {
			return r.String()
		}
	}
	return def
}

func firstInt(raw []byte, fields ...string) int64 {
	for _, f := range fields {
		r := gjson.GetBytes(raw, f)
		switch r.Type {
		case gjson.Number:
			return r.Int()
		case gjson.String:
			if i, err := strconv.ParseInt(strings.TrimSpace(r.Str), 10, 64); err == nil {
				return i
			}
		}
	}
	return 0
}
