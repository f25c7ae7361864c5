package core

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memContacts struct {
	mu       sync.Mutex
	contacts []Contact
	saves    int
}

func (m *memContacts) LoadContacts(context.Context) ([]Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contacts, nil
}

func (m *memContacts) SaveContacts(_ context.Context, contacts []Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.contacts = contacts
	return nil
}

func newTracker(t *testing.T, users ...string) (*PresenceTracker, *memContacts) {
	store := &memContacts{}
	tr := NewPresenceTracker("alice", store, testLogger())
	tr.SetContacts(users)
	return tr, store
}

func contact(t *testing.T, tr *PresenceTracker, name string) Contact {
	t.Helper()
	c, ok := tr.Contact(name)
	require.True(t, ok, "contact %s", name)
	return c
}

func TestSetContactsSkipsSelf(t *testing.T) {
	tr, _ := newTracker(t, "bob", "alice", "carol", "")
	names := []string{}
	for _, c := range tr.Contacts() {
		names = append(names, c.Username)
	}
	assert.Equal(t, []string{"bob", "carol"}, names)

	tr.OnInboundMessage("alice-bob", "bob", "hi", 100)
	tr.SetContacts([]string{"bob"})
	assert.Equal(t, 1, contact(t, tr, "bob").UnreadCount, "kept contacts keep their state")
	_, ok := tr.Contact("carol")
	assert.False(t, ok)
}

func TestApplyUserList(t *testing.T) {
	tr, _ := newTracker(t, "bob", "carol", "dave")

	tr.ApplyUserList([]byte(`[{"username":"bob","online":true},{"username":"carol","online":false},{"username":"mallory","online":true}]`))
	assert.True(t, contact(t, tr, "bob").Online)
	assert.False(t, contact(t, tr, "carol").Online)
	assert.False(t, contact(t, tr, "dave").Online, "absent from the list means offline")
	_, ok := tr.Contact("mallory")
	assert.False(t, ok, "unknown users are not added")

	tr.ApplyUserList([]byte(`["dave"]`))
	assert.False(t, contact(t, tr, "bob").Online)
	assert.True(t, contact(t, tr, "dave").Online)

	tr.SetAllOffline()
	assert.False(t, contact(t, tr, "dave").Online)
}

func TestUnreadCounting(t *testing.T) {
	tr, _ := newTracker(t, "bob", "carol")

	assert.True(t, tr.OnInboundMessage("alice-bob", "bob", "one", 100))
	assert.True(t, tr.OnInboundMessage("", "bob", "two", 200))
	assert.False(t, tr.OnInboundMessage("alice-bob", "alice", "mine", 300), "own messages never count")
	assert.False(t, tr.OnInboundMessage("alice-mallory", "mallory", "spam", 300))

	bob := contact(t, tr, "bob")
	assert.Equal(t, 2, bob.UnreadCount)
	assert.Equal(t, "two", bob.LastMessage)
	assert.Equal(t, int64(200), bob.LastMessageTime)

	// an older message does not replace the preview
	tr.OnInboundMessage("alice-bob", "bob", "late", 150)
	assert.Equal(t, "two", contact(t, tr, "bob").LastMessage)
	assert.Equal(t, 3, contact(t, tr, "bob").UnreadCount)
}

func TestViewedRoomStaysRead(t *testing.T) {
	tr, _ := newTracker(t, "bob", "carol")
	tr.OnInboundMessage("alice-bob", "bob", "one", 100)

	tr.View("alice-bob")
	assert.Equal(t, 0, contact(t, tr, "bob").UnreadCount)

	tr.OnInboundMessage("alice-bob", "bob", "two", 200)
	assert.Equal(t, 0, contact(t, tr, "bob").UnreadCount)
	tr.OnInboundMessage("alice-carol", "carol", "hey", 200)
	assert.Equal(t, 1, contact(t, tr, "carol").UnreadCount)

	tr.ApplyUnreadCounts(map[string]int{"bob": 4, "carol": 2})
	assert.Equal(t, 0, contact(t, tr, "bob").UnreadCount, "server count ignored for the viewed room")
	assert.Equal(t, 2, contact(t, tr, "carol").UnreadCount)

	tr.View("")
	assert.Equal(t, "", tr.Viewing())
	tr.OnInboundMessage("alice-bob", "bob", "three", 300)
	assert.Equal(t, 1, contact(t, tr, "bob").UnreadCount)
}

func TestConcurrentInboundMessages(t *testing.T) {
	tr, _ := newTracker(t, "bob")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.OnInboundMessage("alice-bob", "bob", "m", int64(i))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, contact(t, tr, "bob").UnreadCount)
}

func TestContactsOrderAndPersistence(t *testing.T) {
	tr, store := newTracker(t, "bob", "carol", "dave")
	var seen [][]Contact
	tr.OnChange(func(c []Contact) { seen = append(seen, c) })

	tr.ApplyLatestMessages([]LatestMessage{
		{Room: "alice-carol", Sender: "carol", Message: "newest", Timestamp: 300},
		{Room: "alice-bob", Sender: "bob", Message: "older", Timestamp: 100},
	})

	contacts := tr.Contacts()
	require.Len(t, contacts, 3)
	assert.Equal(t, []string{"carol", "bob", "dave"}, []string{contacts[0].Username, contacts[1].Username, contacts[2].Username})
	require.Len(t, seen, 1)
	assert.Equal(t, contacts, seen[0])
	assert.Equal(t, contacts, store.contacts)

	// presence is not restored from the store
	tr.ApplyUserList([]byte(`["bob"]`))
	restored := NewPresenceTracker("alice", store, testLogger())
	require.NoError(t, restored.Load(context.Background()))
	assert.False(t, contact(t, restored, "bob").Online)
	assert.Equal(t, "newest", contact(t, restored, "carol").LastMessage)
}
