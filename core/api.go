package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const defaultAPITimeout = 10 * time.Second

// APIError is a non-2xx response from the REST API.
type APIError struct {
	Op     string
	Status int
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Msg)
}

// APIClient talks to the chat server's REST endpoints.
type APIClient struct {
	base   *url.URL
	http   *http.Client
	token  func() string
	norm   *TimestampNormalizer
	logger *slog.Logger
}

type APIOption func(*APIClient)

func WithHTTPClient(c *http.Client) APIOption {
	return func(a *APIClient) {
		a.http = c
	}
}

// WithToken sets the source of the bearer token sent with every request.
func WithToken(f func() string) APIOption {
	return func(a *APIClient) {
		a.token = f
	}
}

func NewAPIClient(baseURL string, norm *TimestampNormalizer, logger *slog.Logger, opts ...APIOption) (*APIClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("NewAPIClient: %w", err)
	}
	a := &APIClient{
		base:   u,
		http:   &http.Client{Timeout: defaultAPITimeout},
		token:  func() string { return "" },
		norm:   norm,
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *APIClient) do(ctx context.Context, op, method, path string, query url.Values, body any) ([]byte, error) {
	u := *a.base
	u.Path = a.base.Path + path
	u.RawQuery = query.Encode()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t := a.token(); t != "" {
		req.Header.Set("Authorization", "Bearer "+t)
	}

	start := time.Now()
	res, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrNetworkUnreachable, err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrNetworkUnreachable, err)
	}
	a.logger.Debug(fmt.Sprintf("%s %s", method, u.Path),
		slog.Int("status", res.StatusCode), slog.Duration("took", time.Since(start)))

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg := gjson.GetBytes(b, "error").String()
		if msg == "" {
			msg = http.StatusText(res.StatusCode)
		}
		return nil, &APIError{Op: op, Status: res.StatusCode, Msg: msg}
	}
	return b, nil
}

// FetchMessages implements MessageFetcher over GET /messages/{room}.
func (a *APIClient) FetchMessages(ctx context.Context, room string, cursor Cursor) ([]Message, error) {
	q := url.Values{}
	if cursor.SinceMs > 0 {
		q.Set("since", FormatTimestamp(cursor.SinceMs))
		q.Set("since_ms", strconv.FormatInt(cursor.SinceMs, 10))
	}
	if cursor.AfterID > 0 {
		q.Set("after_id", strconv.FormatInt(cursor.AfterID, 10))
	}
	if cursor.Limit > 0 {
		q.Set("limit", strconv.Itoa(cursor.Limit))
	}
	b, err := a.do(ctx, "FetchMessages", http.MethodGet, "/messages/"+url.PathEscape(room), q, nil)
	if err != nil {
		return nil, err
	}

	rows := gjson.ParseBytes(b)
	if rows.IsObject() {
		rows = rows.Get("messages")
	}
	var msgs []Message
	rows.ForEach(func(_, row gjson.Result) bool {
		msgs = append(msgs, DecodeMessage(room, []byte(row.Raw), a.norm))
		return true
	})
	return msgs, nil
}

type reactionRequest struct {
	MessageID int64  `json:"message_id"`
	Username  string `json:"username"`
	Emoji     string `json:"emoji,omitempty"`
}

// React implements ReactionAPI over POST /react_message.
func (a *APIClient) React(ctx context.Context, messageID int64, username, emoji string) (Reactions, error) {
	b, err := a.do(ctx, "React", http.MethodPost, "/react_message", nil,
		reactionRequest{MessageID: messageID, Username: username, Emoji: emoji})
	if err != nil {
		return nil, err
	}
	return ParseReactions([]byte(gjson.GetBytes(b, "reactions").Raw)), nil
}

// RemoveReaction implements ReactionAPI over POST /remove_reaction.
func (a *APIClient) RemoveReaction(ctx context.Context, messageID int64, username string) (Reactions, error) {
	b, err := a.do(ctx, "RemoveReaction", http.MethodPost, "/remove_reaction", nil,
		reactionRequest{MessageID: messageID, Username: username})
	if err != nil {
		return nil, err
	}
	return ParseReactions([]byte(gjson.GetBytes(b, "reactions").Raw)), nil
}

func (a *APIClient) EditMessage(ctx context.Context, messageID int64, content string) error {
	_, err := a.do(ctx, "EditMessage", http.MethodPut, "/edit_message/"+strconv.FormatInt(messageID, 10), nil,
		map[string]string{"content": content})
	return err
}

func (a *APIClient) DeleteMessage(ctx context.Context, messageID int64, username string) error {
	_, err := a.do(ctx, "DeleteMessage", http.MethodDelete, "/delete_message/"+strconv.FormatInt(messageID, 10),
		url.Values{"username": {username}}, nil)
	return err
}

// Users lists every registered username.
func (a *APIClient) Users(ctx context.Context) ([]string, error) {
	b, err := a.do(ctx, "Users", http.MethodGet, "/users", nil, nil)
	if err != nil {
		return nil, err
	}
	var users []string
	gjson.ParseBytes(b).ForEach(func(_, v gjson.Result) bool {
		// plain names or {"username": ...} objects
		if name := v.Get("username").String(); v.IsObject() && name != "" {
			users = append(users, name)
		} else if v.Type == gjson.String && v.Str != "" {
			users = append(users, v.Str)
		}
		return true
	})
	return users, nil
}

// LatestMessage is the newest inbound message of a room, used as a contact preview.
type LatestMessage struct {
	Room      string
	Sender    string
	Message   string
	Timestamp int64
	Type      MessageType
}

// LatestMessages returns the newest inbound message of every room of the user.
func (a *APIClient) LatestMessages(ctx context.Context) ([]LatestMessage, error) {
	b, err := a.do(ctx, "LatestMessages", http.MethodGet, "/latest_messages", nil, nil)
	if err != nil {
		return nil, err
	}
	var out []LatestMessage
	gjson.ParseBytes(b).ForEach(func(room, v gjson.Result) bool {
		raw := []byte(v.Raw)
		out = append(out, LatestMessage{
			Room:      room.String(),
			Sender:    firstString(raw, "", "sender", "from"),
			Message:   firstString(raw, "", "message", "content"),
			Timestamp: a.norm.PickCanonicalTimestamp(raw),
			Type:      MessageType(firstString(raw, string(TextMessage), "type")),
		})
		return true
	})
	return out, nil
}

// UnreadCounts returns the unread counter per contact username. Counts keyed
// by room are mapped to the peer of self.
func (a *APIClient) UnreadCounts(ctx context.Context, self string) (map[string]int, error) {
	b, err := a.do(ctx, "UnreadCounts", http.MethodGet, "/api/unread-counts", nil, nil)
	if err != nil {
		return nil, err
	}
	root := gjson.ParseBytes(b)
	if nested := root.Get("unread_counts"); nested.IsObject() {
		root = nested
	}
	out := make(map[string]int)
	root.ForEach(func(k, v gjson.Result) bool {
		name := k.String()
		if strings.Contains(name, "-") {
			name = RoomPeer(name, self)
		}
		if name != "" && v.Type == gjson.Number {
			out[name] += int(v.Int())
		}
		return true
	})
	return out, nil
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var e *APIError
	return errors.As(err, &e) && e.Status == http.StatusNotFound
}
