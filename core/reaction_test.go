package core

import (
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReactionsAreExclusivePerUser(t *testing.T) {
	r := Reactions{}.With("alice", "👍").With("bob", "👍").With("alice", "❤️")
	assert.Equal(t, Reactions{"👍": {"bob"}, "❤️": {"alice"}}, r)

	emoji, ok := r.Of("alice")
	assert.True(t, ok)
	assert.Equal(t, "❤️", emoji)

	r = r.Without("bob")
	assert.Equal(t, Reactions{"❤️": {"alice"}}, r)
	_, ok = r.Of("bob")
	assert.False(t, ok)
}

func TestParseReactions(t *testing.T) {
	exp := Reactions{"👍": {"alice", "carol"}, "❤️": {"bob"}}

	tcs := []struct {
		name string
		raw  string
		exp  Reactions
	}{
		{name: "by user", raw: `{"alice":"👍","bob":"❤️","carol":"👍"}`, exp: exp},
		{name: "by emoji", raw: `{"👍":["carol","alice"],"❤️":["bob"]}`, exp: exp},
		{name: "encoded as a string", raw: `"{\"alice\":\"👍\",\"bob\":\"❤️\",\"carol\":\"👍\"}"`, exp: exp},
		{name: "user listed twice keeps the later emoji", raw: `{"👍":["alice"],"❤️":["alice"]}`, exp: Reactions{"❤️": {"alice"}}},
		{name: "empty", raw: `{}`, exp: Reactions{}},
		{name: "not an object", raw: `[1,2]`, exp: Reactions{}},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.exp, ParseReactions([]byte(tc.raw)))
		})
	}
}

type reactionFixture struct {
	sched *manualScheduler
	api   *fakeRoomAPI
	rec   *Reconciler
	agg   *ReactionAggregator
}

func newReactionFixture(t *testing.T) *reactionFixture {
	f := &reactionFixture{sched: newManualScheduler(), api: newFakeRoomAPI()}
	f.rec = NewReconciler("alice-bob", fixedNormalizer(f.sched.Now()), testLogger(), WithClock(f.sched.Now))
	f.agg = NewReactionAggregator(f.rec, f.api, f.sched, testLogger())
	f.rec.MergeBatch([]Message{serverMsg(55, "bob", "lunch?", 1_000)}, "rest")
	return f
}

func (f *reactionFixture) reactions(t *testing.T, id int64) Reactions {
	t.Helper()
	m, ok := f.rec.Lookup(id)
	require.True(t, ok)
	return m.Reactions
}

func TestReactIsOptimistic(t *testing.T) {
	f := newReactionFixture(t)
	f.api.reactions[55] = Reactions{"😂": {"bob"}}
	f.sched.hold = true

	var doneErr error
	done := false
	f.agg.React(55, "alice", "👍", func(err error) { done, doneErr = true, err })

	assert.Equal(t, Reactions{"👍": {"alice"}}, f.reactions(t, 55), "local reaction shows before the server answers")
	assert.False(t, done)

	f.sched.runHeld()
	assert.True(t, done)
	assert.NoError(t, doneErr)
	assert.Equal(t, Reactions{"😂": {"bob"}, "👍": {"alice"}}, f.reactions(t, 55), "server map replaces the local one")
}

func TestReactRollsBackOnFailure(t *testing.T) {
	f := newReactionFixture(t)
	f.rec.UpdateReactions(55, func(Reactions) Reactions { return Reactions{"❤️": {"alice"}} })
	f.api.reactErr = errors.New("boom")
	f.sched.hold = true

	var doneErr error
	f.agg.React(55, "alice", "👍", func(err error) { doneErr = err })
	assert.Equal(t, Reactions{"👍": {"alice"}}, f.reactions(t, 55))

	f.sched.runHeld()
	assert.Error(t, doneErr)
	assert.Equal(t, Reactions{"❤️": {"alice"}}, f.reactions(t, 55))
}

func TestUnreact(t *testing.T) {
	f := newReactionFixture(t)
	f.api.reactions[55] = Reactions{"👍": {"alice", "bob"}}
	f.rec.UpdateReactions(55, func(Reactions) Reactions { return Reactions{"👍": {"alice", "bob"}} })

	f.agg.Unreact(55, "alice", nil)
	assert.Equal(t, Reactions{"👍": {"bob"}}, f.reactions(t, 55))
	assert.Equal(t, 1, f.api.reactCalls)
}

func TestReactOnLocalEchoStaysLocal(t *testing.T) {
	f := newReactionFixture(t)
	echo := f.rec.IngestLocalEcho(Draft{Sender: "alice", Content: "brb"})

	var doneErr error
	f.agg.React(echo.ClientID, "bob", "👀", func(err error) { doneErr = err })
	assert.NoError(t, doneErr)
	assert.Equal(t, 0, f.api.reactCalls)
	assert.Equal(t, Reactions{"👀": {"bob"}}, f.reactions(t, echo.ClientID))

	// the reaction survives the collapse into the server copy
	f.rec.IngestRemote([]byte(`{"from":"alice","message":"brb","timestamp":` + strconv.FormatInt(echo.Timestamp+300, 10) + `,"message_id":60}`))
	assert.Equal(t, Reactions{"👀": {"bob"}}, f.reactions(t, 60))
}

func TestReactUnknownMessage(t *testing.T) {
	f := newReactionFixture(t)
	var doneErr error
	f.agg.React(404, "alice", "👍", func(err error) { doneErr = err })
	assert.ErrorIs(t, doneErr, ErrUnknownMessage)
	assert.Equal(t, 0, f.api.reactCalls)
}

func TestApplyServerReactions(t *testing.T) {
	t.Run("full map", func(t *testing.T) {
		f := newReactionFixture(t)
		require.NoError(t, f.agg.ApplyServer([]byte(`{"message_id":55,"reactions":{"bob":"🔥","carol":"🔥"}}`)))
		assert.Equal(t, Reactions{"🔥": {"bob", "carol"}}, f.reactions(t, 55))
	})

	t.Run("single reaction", func(t *testing.T) {
		f := newReactionFixture(t)
		f.rec.UpdateReactions(55, func(Reactions) Reactions { return Reactions{"🔥": {"bob"}} })
		require.NoError(t, f.agg.ApplyServer([]byte(`{"message_id":"55","username":"bob","emoji":"👍"}`)))
		assert.Equal(t, Reactions{"👍": {"bob"}}, f.reactions(t, 55))
	})

	t.Run("unknown message", func(t *testing.T) {
		f := newReactionFixture(t)
		err := f.agg.ApplyServer([]byte(`{"message_id":9,"reactions":{}}`))
		assert.ErrorIs(t, err, ErrUnknownMessage)
	})
}
