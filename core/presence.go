package core

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Contact is a user the current user can chat with.
type Contact struct {
	Username        string `json:"username"`
	Online          bool   `json:"online"`
	UnreadCount     int    `json:"unread_count"`
	LastMessage     string `json:"last_message,omitempty"`
	LastMessageTime int64  `json:"last_message_time,omitempty"`
}

type ContactStore interface {
	LoadContacts(ctx context.Context) ([]Contact, error)
	SaveContacts(ctx context.Context, contacts []Contact) error
}

// PresenceTracker keeps the online flag, unread counter and last message
// preview of every contact.
type PresenceTracker struct {
	self     string
	contacts *SyncMap[string, Contact]
	store    ContactStore
	logger   *slog.Logger

	// mu orders inbound messages against View so an unread increment never
	// lands on the room being viewed
	mu       sync.Mutex
	viewing  string
	onChange func([]Contact)
}

func NewPresenceTracker(self string, store ContactStore, logger *slog.Logger) *PresenceTracker {
	return &PresenceTracker{
		self:     self,
		contacts: NewSyncMap[string, Contact](),
		store:    store,
		logger:   logger.With(slog.String("component", "presence")),
		onChange: func([]Contact) {},
	}
}

// OnChange sets the hook called with the sorted contact list after every change.
func (t *PresenceTracker) OnChange(f func([]Contact)) {
	t.onChange = f
}

// Load restores the contacts saved by a previous run.
func (t *PresenceTracker) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	contacts, err := t.store.LoadContacts(ctx)
	if err != nil {
		return fmt.Errorf("Load: %w", err)
	}
	for _, c := range contacts {
		if c.Username == "" || c.Username == t.self {
			continue
		}
		// presence is never trusted across runs
		c.Online = false
		t.contacts.Store(c.Username, c)
	}
	return nil
}

// SetContacts makes usernames the contact list. Existing contacts keep their
// state; contacts not listed are dropped.
func (t *PresenceTracker) SetContacts(usernames []string) {
	keep := make(map[string]struct{}, len(usernames))
	for _, u := range usernames {
		if u == "" || u == t.self {
			continue
		}
		keep[u] = struct{}{}
		t.contacts.LoadOrStore(u, Contact{Username: u})
	}
	var drop []string
	t.contacts.Range(func(u string, _ Contact) bool {
		if _, ok := keep[u]; !ok {
			drop = append(drop, u)
		}
		return true
	})
	for _, u := range drop {
		t.contacts.Delete(u)
	}
	t.changed()
}

// ApplyUserList applies a user_list broadcast. Contacts absent from the list
// are offline; unknown usernames are ignored.
func (t *PresenceTracker) ApplyUserList(raw []byte) {
	online := make(map[string]bool)
	gjson.ParseBytes(raw).ForEach(func(_, v gjson.Result) bool {
		switch {
		case v.IsObject():
			if name := v.Get("username").String(); name != "" {
				online[name] = v.Get("online").Bool()
			}
		case v.Type == gjson.String:
			online[v.Str] = true
		}
		return true
	})
	t.contacts.UpdateAll(func(u string, c Contact) Contact {
		c.Online = online[u]
		return c
	})
	t.changed()
}

// SetAllOffline marks every contact offline when the socket drops.
func (t *PresenceTracker) SetAllOffline() {
	t.contacts.UpdateAll(func(_ string, c Contact) Contact {
		c.Online = false
		return c
	})
	t.changed()
}

// OnInboundMessage records a message received in room. The contact's unread
// counter grows unless room is being viewed. It reports whether a contact
// was updated.
func (t *PresenceTracker) OnInboundMessage(room, from, preview string, ts int64) bool {
	if from == t.self {
		return false
	}
	peer := from
	if room != "" {
		if p := RoomPeer(room, t.self); p != "" {
			peer = p
		}
	}

	t.mu.Lock()
	viewing := t.viewing == room && room != ""
	ok := t.contacts.Update(peer, func(c Contact) Contact {
		if ts >= c.LastMessageTime {
			c.LastMessage = preview
			c.LastMessageTime = ts
		}
		if !viewing {
			c.UnreadCount++
		}
		return c
	})
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("message from unknown contact", slog.String("from", from), slog.String("room", room))
		return false
	}
	t.changed()
	return true
}

// View marks room as the room on screen and resets its unread counter.
// An empty room means no room is on screen.
func (t *PresenceTracker) View(room string) {
	t.mu.Lock()
	t.viewing = room
	t.mu.Unlock()
	if room != "" {
		t.MarkRead(RoomPeer(room, t.self))
	}
}

func (t *PresenceTracker) Viewing() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.viewing
}

// MarkRead resets the unread counter of username.
func (t *PresenceTracker) MarkRead(username string) {
	if t.contacts.Update(username, func(c Contact) Contact {
		c.UnreadCount = 0
		return c
	}) {
		t.changed()
	}
}

// ApplyUnreadCounts seeds the unread counters fetched from the server.
func (t *PresenceTracker) ApplyUnreadCounts(counts map[string]int) {
	viewing := RoomPeer(t.Viewing(), t.self)
	for u, n := range counts {
		if u == viewing || n < 0 {
			continue
		}
		t.contacts.Update(u, func(c Contact) Contact {
			c.UnreadCount = n
			return c
		})
	}
	t.changed()
}

// ApplyLatestMessages seeds the last message previews fetched from the server.
func (t *PresenceTracker) ApplyLatestMessages(latest []LatestMessage) {
	for _, l := range latest {
		peer := RoomPeer(l.Room, t.self)
		if peer == "" {
			peer = l.Sender
		}
		t.contacts.Update(peer, func(c Contact) Contact {
			if l.Timestamp >= c.LastMessageTime {
				c.LastMessage = l.Message
				c.LastMessageTime = l.Timestamp
			}
			return c
		})
	}
	t.changed()
}

func (t *PresenceTracker) Contact(username string) (Contact, bool) {
	return t.contacts.Load(username)
}

// Contacts returns the contacts, most recent conversation first.
func (t *PresenceTracker) Contacts() []Contact {
	out := make([]Contact, 0, t.contacts.Len())
	t.contacts.Range(func(_ string, c Contact) bool {
		out = append(out, c)
		return true
	})
	slices.SortFunc(out, func(a, b Contact) int {
		if a.LastMessageTime != b.LastMessageTime {
			return cmp.Compare(b.LastMessageTime, a.LastMessageTime)
		}
		return cmp.Compare(a.Username, b.Username)
	})
	return out
}

func (t *PresenceTracker) changed() {
	contacts := t.Contacts()
	if t.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.store.SaveContacts(ctx, contacts); err != nil {
			t.logger.Error(fmt.Sprintf("save contacts: %s", err))
		}
	}
	t.onChange(contacts)
}
