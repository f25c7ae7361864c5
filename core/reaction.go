package core

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/tidwall/gjson"
)

// Reactions maps an emoji to the sorted usernames that reacted with it.
// A username appears under at most one emoji.
type Reactions map[string][]string

func (r Reactions) Clone() Reactions {
	if r == nil {
		return nil
	}
	out := make(Reactions, len(r))
	for emoji, users := range r {
		out[emoji] = slices.Clone(users)
	}
	return out
}

// With returns a copy of r where user reacted with emoji, replacing any
// earlier reaction of user.
func (r Reactions) With(user, emoji string) Reactions {
	out := r.Without(user)
	if emoji == "" || user == "" {
		return out
	}
	if out == nil {
		out = make(Reactions)
	}
	users := append(out[emoji], user)
	slices.Sort(users)
	out[emoji] = users
	return out
}

// Without returns a copy of r with every reaction of user removed.
func (r Reactions) Without(user string) Reactions {
	out := make(Reactions, len(r))
	for emoji, users := range r {
		kept := slices.DeleteFunc(slices.Clone(users), func(u string) bool { return u == user })
		if len(kept) > 0 {
			out[emoji] = kept
		}
	}
	return out
}

// Of returns the emoji user reacted with, if any.
func (r Reactions) Of(user string) (string, bool) {
	for emoji, users := range r {
		if slices.Contains(users, user) {
			return emoji, true
		}
	}
	return "", false
}

func (r Reactions) Equal(o Reactions) bool {
	if len(r) != len(o) {
		return false
	}
	return maps.EqualFunc(r, o, func(a, b []string) bool { return slices.Equal(a, b) })
}

type reactionShape int

const (
	shapeEmpty reactionShape = iota
	// username -> emoji, as stored by the server
	shapeByUser
	// emoji -> [usernames]
	shapeByEmoji
)

// reactionPayload is the decoded form of a reaction map in either wire shape.
type reactionPayload struct {
	shape   reactionShape
	entries [][2]string // (user, emoji) in document order
}

func decodeReactionPayload(raw []byte) reactionPayload {
	var p reactionPayload
	root := gjson.ParseBytes(raw)
	if root.Type == gjson.String {
		// some servers store the map as an encoded JSON string
		root = gjson.Parse(root.Str)
	}
	if !root.IsObject() {
		return p
	}
	root.ForEach(func(key, value gjson.Result) bool {
		if p.shape == shapeEmpty {
			if value.IsArray() {
				p.shape = shapeByEmoji
			} else {
				p.shape = shapeByUser
			}
		}
		switch p.shape {
		case shapeByEmoji:
			if !value.IsArray() {
				return true
			}
			value.ForEach(func(_, user gjson.Result) bool {
				if user.String() != "" {
					p.entries = append(p.entries, [2]string{user.String(), key.String()})
				}
				return true
			})
		case shapeByUser:
			if value.Type == gjson.String && value.Str != "" {
				p.entries = append(p.entries, [2]string{key.String(), value.Str})
			}
		}
		return true
	})
	return p
}

// ParseReactions normalizes a reaction map in either wire shape into Reactions.
// Whichever shape arrives, a later reaction of a user replaces an earlier one.
func ParseReactions(raw []byte) Reactions {
	p := decodeReactionPayload(raw)
	out := make(Reactions)
	for _, e := range p.entries {
		out = out.With(e[0], e[1])
	}
	return out
}

// ReactionAPI is the server side of reactions.
type ReactionAPI interface {
	React(ctx context.Context, messageID int64, username, emoji string) (Reactions, error)
	RemoveReaction(ctx context.Context, messageID int64, username string) (Reactions, error)
}

// ReactionAggregator keeps the reaction maps of a room's messages. Every
// mutation goes through the reconciler so reactions follow the message
// through collapses.
type ReactionAggregator struct {
	rec    *Reconciler
	api    ReactionAPI
	sched  Scheduler
	logger *slog.Logger
}

func NewReactionAggregator(rec *Reconciler, api ReactionAPI, sched Scheduler, logger *slog.Logger) *ReactionAggregator {
	return &ReactionAggregator{rec: rec, api: api, sched: sched, logger: logger}
}

// AddLocal optimistically records that user reacted to id with emoji.
func (a *ReactionAggregator) AddLocal(id int64, user, emoji string) (Reactions, error) {
	var before Reactions
	err := a.rec.UpdateReactions(id, func(r Reactions) Reactions {
		before = r.Clone()
		return r.With(user, emoji)
	})
	return before, err
}

// RemoveLocal optimistically strips every reaction of user from id.
func (a *ReactionAggregator) RemoveLocal(id int64, user string) (Reactions, error) {
	var before Reactions
	err := a.rec.UpdateReactions(id, func(r Reactions) Reactions {
		before = r.Clone()
		return r.Without(user)
	})
	return before, err
}

// React applies the reaction optimistically and confirms it with the server.
// done, if not nil, runs on the loop once the server answered.
func (a *ReactionAggregator) React(id int64, user, emoji string, done func(error)) {
	before, err := a.AddLocal(id, user, emoji)
	if err != nil {
		finish(done, err)
		return
	}
	a.confirm(id, before, done, func(ctx context.Context, messageID int64) (Reactions, error) {
		return a.api.React(ctx, messageID, user, emoji)
	})
}

// Unreact removes the reaction optimistically and confirms it with the server.
func (a *ReactionAggregator) Unreact(id int64, user string, done func(error)) {
	before, err := a.RemoveLocal(id, user)
	if err != nil {
		finish(done, err)
		return
	}
	a.confirm(id, before, done, func(ctx context.Context, messageID int64) (Reactions, error) {
		return a.api.RemoveReaction(ctx, messageID, user)
	})
}

func (a *ReactionAggregator) confirm(id int64, before Reactions, done func(error),
	call func(context.Context, int64) (Reactions, error)) {
	m, ok := a.rec.Lookup(id)
	if !ok || !m.HasServerID() {
		// not confirmed by the server yet; the reaction stays local until
		// the server copy arrives and carries its own map
		finish(done, nil)
		return
	}
	messageID := m.MessageID
	a.sched.Async(func(ctx context.Context) func() {
		reactions, err := call(ctx, messageID)
		return func() {
			if err != nil {
				a.logger.Warn("reaction request failed, rolling back",
					slog.Int64("message_id", messageID), slog.String("error", err.Error()))
				a.rec.UpdateReactions(messageID, func(Reactions) Reactions { return before })
				finish(done, err)
				return
			}
			a.rec.UpdateReactions(messageID, func(Reactions) Reactions { return reactions })
			finish(done, nil)
		}
	})
}

// ApplyServer replaces the reaction map of a message with the server's copy.
// It handles both message_reactions_updated and receive_reaction payloads.
func (a *ReactionAggregator) ApplyServer(raw []byte) error {
	id := firstInt(raw, "message_id", "messageId", "id")
	if id == 0 {
		id = firstInt(raw, "client_id")
	}
	r := gjson.GetBytes(raw, "reactions")
	if !r.Exists() {
		// receive_reaction carries a single reaction
		user := firstString(raw, "", "username", "from", "user")
		emoji := gjson.GetBytes(raw, "emoji").String()
		if user == "" {
			return NewAbsorbedError(ErrUnknownMessage, "reaction without reactions or user")
		}
		return a.rec.UpdateReactions(id, func(cur Reactions) Reactions { return cur.With(user, emoji) })
	}
	reactions := ParseReactions([]byte(r.Raw))
	return a.rec.UpdateReactions(id, func(Reactions) Reactions { return reactions })
}

func finish(done func(error), err error) {
	if done != nil {
		done(err)
	}
}
