package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	contactsCacheKey = "contacts_cache"
	lastRoomKey      = "last_room_id"
)

func messagesCacheKey(room string) string {
	return "messages_cache_" + room
}

// SQLiteCache is the key/value cache persisted on the device.
type SQLiteCache struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteCache(db *sql.DB) *SQLiteCache {
	return &SQLiteCache{db: db, now: time.Now}
}

// Get returns the raw value stored under key, or nil if there is none.
func (s *SQLiteCache) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	query := `SELECT value FROM cache_entries WHERE key = @key`
	err := s.db.QueryRowContext(ctx, query, sql.Named("key", key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("QueryRowContext: %w", err)
	}
	return value, nil
}

func (s *SQLiteCache) Set(ctx context.Context, key string, value []byte) error {
	query := `INSERT INTO cache_entries (key, value, updated_at) VALUES (@key, @value, @updated_at)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		sql.Named("key", key), sql.Named("value", value),
		sql.Named("updated_at", s.now().UnixMilli()))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteCache) Delete(ctx context.Context, key string) error {
	query := `DELETE FROM cache_entries WHERE key = @key`
	if _, err := s.db.ExecContext(ctx, query, sql.Named("key", key)); err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteCache) getJSON(ctx context.Context, key string, v any) (bool, error) {
	b, err := s.Get(ctx, key)
	if err != nil || b == nil {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (s *SQLiteCache) setJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Set(ctx, key, b)
}

// LoadMessages returns the cached canonical list of room.
func (s *SQLiteCache) LoadMessages(ctx context.Context, room string) ([]Message, error) {
	var msgs []Message
	if _, err := s.getJSON(ctx, messagesCacheKey(room), &msgs); err != nil {
		return nil, fmt.Errorf("LoadMessages: %w", err)
	}
	return msgs, nil
}

func (s *SQLiteCache) SaveMessages(ctx context.Context, room string, messages []Message) error {
	if messages == nil {
		messages = []Message{}
	}
	if err := s.setJSON(ctx, messagesCacheKey(room), messages); err != nil {
		return fmt.Errorf("SaveMessages: %w", err)
	}
	return nil
}

func (s *SQLiteCache) ClearMessages(ctx context.Context, room string) error {
	if err := s.Delete(ctx, messagesCacheKey(room)); err != nil {
		return fmt.Errorf("ClearMessages: %w", err)
	}
	return nil
}

func (s *SQLiteCache) LoadContacts(ctx context.Context) ([]Contact, error) {
	var contacts []Contact
	if _, err := s.getJSON(ctx, contactsCacheKey, &contacts); err != nil {
		return nil, fmt.Errorf("LoadContacts: %w", err)
	}
	return contacts, nil
}

func (s *SQLiteCache) SaveContacts(ctx context.Context, contacts []Contact) error {
	if err := s.setJSON(ctx, contactsCacheKey, contacts); err != nil {
		return fmt.Errorf("SaveContacts: %w", err)
	}
	return nil
}

// LastRoom returns the room that was open when the app last ran, or "".
func (s *SQLiteCache) LastRoom(ctx context.Context) (string, error) {
	b, err := s.Get(ctx, lastRoomKey)
	if err != nil {
		return "", fmt.Errorf("LastRoom: %w", err)
	}
	return string(b), nil
}

func (s *SQLiteCache) SetLastRoom(ctx context.Context, room string) error {
	if room == "" {
		return s.Delete(ctx, lastRoomKey)
	}
	if err := s.Set(ctx, lastRoomKey, []byte(room)); err != nil {
		return fmt.Errorf("SetLastRoom: %w", err)
	}
	return nil
}
