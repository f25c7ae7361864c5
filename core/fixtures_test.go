package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"
)

var baseTimeout = time.Second

func testLogger() *slog.Logger {
	if os.Getenv("CHATTER_TEST_LOG") != "" {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixedNormalizer falls back to a fixed time so fallback paths are deterministic.
func fixedNormalizer(now time.Time) *TimestampNormalizer {
	n := NewTimestampNormalizer(testLogger(), nil)
	n.now = func() time.Time { return now }
	return n
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

type BaseFixture struct {
	ctx      context.Context
	db       *sql.DB
	t        *testing.T
	tearDown func()
}

func NewBaseFixture(t *testing.T) *BaseFixture {

	ctx, cancel := context.WithCancel(context.Background())

	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	// the shared in-memory database lives as long as one connection does
	db.SetMaxOpenConns(1)

	migrationfs := os.DirFS("../migrations")
	goose.SetBaseFS(migrationfs)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		t.Fatal(err)
	}

	if err := goose.Up(db, "."); err != nil {
		t.Fatal(err)
	}

	return &BaseFixture{
		ctx: ctx,
		db:  db,
		t:   t,
		tearDown: func() {
			cancel()
			goose.Reset(db, ".")
			db.Close()
		},
	}
}

// manualScheduler is a Scheduler driven by the test. Posted work runs at once
// unless the loop is already busy, in which case it runs right after. Timers
// fire only when the clock is advanced.
type manualScheduler struct {
	now     time.Time
	queue   []func()
	running bool

	// hold keeps async work until runHeld is called
	hold bool
	held []func(context.Context) func()

	timers []*manualTimer
	nextID int
}

type manualTimer struct {
	id      int
	at      time.Time
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{now: time.UnixMilli(1_700_000_000_000)}
}

func (s *manualScheduler) Post(f func()) {
	s.queue = append(s.queue, f)
	if s.running {
		return
	}
	s.running = true
	defer func() { s.running = false }()
	for len(s.queue) > 0 {
		f := s.queue[0]
		s.queue = s.queue[1:]
		f()
	}
}

func (s *manualScheduler) Async(work func(ctx context.Context) func()) {
	if s.hold {
		s.held = append(s.held, work)
		return
	}
	s.complete(work)
}

func (s *manualScheduler) complete(work func(ctx context.Context) func()) {
	if cont := work(context.Background()); cont != nil {
		s.Post(cont)
	}
}

// runHeld completes the held async work in order, including work queued
// while doing so.
func (s *manualScheduler) runHeld() {
	for len(s.held) > 0 {
		work := s.held[0]
		s.held = s.held[1:]
		s.complete(work)
	}
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.nextID++
	t := &manualTimer{id: s.nextID, at: s.now.Add(d), f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *manualScheduler) Now() time.Time {
	return s.now
}

// advance moves the clock by d, firing due timers in order.
func (s *manualScheduler) advance(d time.Duration) {
	target := s.now.Add(d)
	for {
		var due []*manualTimer
		for _, t := range s.timers {
			if !t.stopped && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			break
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].at.Equal(due[j].at) {
				return due[i].id < due[j].id
			}
			return due[i].at.Before(due[j].at)
		})
		t := due[0]
		t.stopped = true
		s.now = t.at
		s.Post(t.f)
	}
	s.now = target
}

// emitted is a frame recorded by fakeEmitter.
type emitted struct {
	Type    string
	Payload []byte
}

type fakeEmitter struct {
	mu     sync.Mutex
	frames []emitted
	joined []string
	left   []string
	err    error
}

func (e *fakeEmitter) Emit(t string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	e.frames = append(e.frames, emitted{Type: t, Payload: b})
	return nil
}

func (e *fakeEmitter) JoinRoom(room string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.joined = append(e.joined, room)
	return nil
}

func (e *fakeEmitter) LeaveRoom(room string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.left = append(e.left, room)
	return nil
}

func (e *fakeEmitter) setErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

func (e *fakeEmitter) ofType(t string) []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []emitted
	for _, f := range e.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

// fakeRoomAPI answers fetches from a script, one entry per call; the last
// entry repeats.
type fakeRoomAPI struct {
	mu       sync.Mutex
	fetches  [][]Message
	fetchErr error
	// fetchErrs fail the next calls in order before fetchErr is consulted.
	fetchErrs []error
	cursors   []Cursor

	reactions  map[int64]Reactions
	reactErr   error
	reactCalls int
	edits      map[int64]string
	editErr    error
	deleted    []int64
	deleteErr  error
}

func newFakeRoomAPI(fetches ...[]Message) *fakeRoomAPI {
	return &fakeRoomAPI{
		fetches:   fetches,
		reactions: make(map[int64]Reactions),
		edits:     make(map[int64]string),
	}
}

func (a *fakeRoomAPI) FetchMessages(_ context.Context, _ string, cursor Cursor) ([]Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cursors = append(a.cursors, cursor)
	if len(a.fetchErrs) > 0 {
		err := a.fetchErrs[0]
		a.fetchErrs = a.fetchErrs[1:]
		return nil, err
	}
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	if len(a.fetches) == 0 {
		return nil, nil
	}
	out := a.fetches[0]
	if len(a.fetches) > 1 {
		a.fetches = a.fetches[1:]
	}
	return out, nil
}

func (a *fakeRoomAPI) React(_ context.Context, id int64, user, emoji string) (Reactions, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reactCalls++
	if a.reactErr != nil {
		return nil, a.reactErr
	}
	a.reactions[id] = a.reactions[id].With(user, emoji)
	return a.reactions[id].Clone(), nil
}

func (a *fakeRoomAPI) RemoveReaction(_ context.Context, id int64, user string) (Reactions, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reactCalls++
	if a.reactErr != nil {
		return nil, a.reactErr
	}
	a.reactions[id] = a.reactions[id].Without(user)
	return a.reactions[id].Clone(), nil
}

func (a *fakeRoomAPI) EditMessage(_ context.Context, id int64, content string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.editErr != nil {
		return a.editErr
	}
	a.edits[id] = content
	return nil
}

func (a *fakeRoomAPI) DeleteMessage(_ context.Context, id int64, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deleteErr != nil {
		return a.deleteErr
	}
	a.deleted = append(a.deleted, id)
	return nil
}

// memCache is a MessageCache kept in memory.
type memCache struct {
	mu      sync.Mutex
	rooms   map[string][]Message
	saves   int
	cleared int
}

func newMemCache() *memCache {
	return &memCache{rooms: make(map[string][]Message)}
}

func (c *memCache) LoadMessages(_ context.Context, room string) ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[room], nil
}

func (c *memCache) SaveMessages(_ context.Context, room string, msgs []Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves++
	c.rooms[room] = msgs
	return nil
}

func (c *memCache) ClearMessages(_ context.Context, room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared++
	delete(c.rooms, room)
	return nil
}

func serverMsg(id int64, sender, content string, ts int64) Message {
	return Message{
		MessageID: id,
		Room:      "alice-bob",
		Sender:    sender,
		Content:   content,
		Type:      TextMessage,
		Timestamp: ts,
		Status:    StatusDelivered,
	}
}

func ids(msgs []Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		if m.HasServerID() {
			out = append(out, m.MessageID)
		} else {
			out = append(out, -m.ClientID)
		}
	}
	return out
}
