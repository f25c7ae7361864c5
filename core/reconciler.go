package core

import (
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"
)

// CollapseWindow is how far apart two records may be and still be collapsed
// by the content heuristic.
const CollapseWindow = 120 * time.Second

const (
	ruleClientID    = "client_id"
	ruleMessageID   = "message_id"
	ruleFingerprint = "fingerprint"
	ruleHeuristic   = "heuristic"
)

// contentMatch is a local echo and the server copy it was matched to by
// content. Both halves are kept so the match can be undone.
type contentMatch struct {
	echo, server Message
}

// split returns copies of the echo and the server copy a content match joined.
func (m *Message) split() (echo, server Message) {
	return m.joined.echo.Clone(), m.joined.server.Clone()
}

// serverSide returns the server copy held by a content match, or m itself.
func serverSide(m *Message) *Message {
	if m.joined != nil {
		return &m.joined.server
	}
	return m
}

// copies returns m and, for a content match, its server copy. Changes that
// come from the server are applied to both so they survive a split.
func copies(m *Message) []*Message {
	if m.joined != nil {
		return []*Message{m, &m.joined.server}
	}
	return []*Message{m}
}

// idless reports whether m is a server record that carries neither id.
func idless(m *Message) bool {
	return !m.LooksLocal() && m.MessageID == 0 && m.ClientID == 0
}

func sameContent(a, b *Message) bool {
	return a.Sender == b.Sender && strings.TrimSpace(a.Content) == strings.TrimSpace(b.Content)
}

// sameIdentity reports whether a and b are the same message by id, and which
// rule matched. Server records without ids are identified by sender, content
// and timestamp.
func sameIdentity(a, b *Message) (string, bool) {
	if a.ClientID != 0 && a.ClientID == b.ClientID {
		return ruleClientID, true
	}
	if a.MessageID != 0 && a.MessageID == b.MessageID {
		return ruleMessageID, true
	}
	sa, sb := serverSide(a), serverSide(b)
	if idless(sa) && idless(sb) && sameContent(sa, sb) && sa.Timestamp == sb.Timestamp {
		return ruleFingerprint, true
	}
	return "", false
}

// similar reports whether a local echo and a server copy may be the same
// message by content. It stands in for a client_id the server did not echo.
// Two different ids of the same kind always mean two messages.
func similar(a, b *Message) bool {
	if a.joined != nil || b.joined != nil {
		return false
	}
	if a.ClientID != 0 && b.ClientID != 0 {
		return false
	}
	if a.HasServerID() && b.HasServerID() {
		return false
	}
	if a.LooksLocal() == b.LooksLocal() || !sameContent(a, b) {
		return false
	}
	d := a.Timestamp - b.Timestamp
	if d < 0 {
		d = -d
	}
	return d <= CollapseWindow.Milliseconds()
}

// matchKey ranks a content match between a and b; lower is closer. Ties on
// the time gap are broken by ids so every candidate pair has its own rank.
func matchKey(a, b *Message) []int64 {
	echo, server := a, b
	if !a.LooksLocal() {
		echo, server = b, a
	}
	d := echo.Timestamp - server.Timestamp
	if d < 0 {
		d = -d
	}
	return []int64{d, idKey(server.MessageID), server.Timestamp, idKey(echo.ClientID), echo.Timestamp}
}

// preferFirst reports whether a should be kept over b when they collide.
func preferFirst(a, b *Message) bool {
	if a.HasServerID() != b.HasServerID() {
		return a.HasServerID()
	}
	if ad, bd := a.Status == StatusDelivered, b.Status == StatusDelivered; ad != bd {
		return ad
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	// deterministic from here so merging is order independent
	if a.MessageID != b.MessageID {
		return a.MessageID > b.MessageID
	}
	if a.ClientID != b.ClientID {
		return a.ClientID > b.ClientID
	}
	if a.Edited != b.Edited {
		return a.Edited
	}
	return a.Content >= b.Content
}

// resolve collapses two records of the same message into one.
func resolve(a, b Message) Message {
	w, l := a, b
	if !preferFirst(&a, &b) {
		w, l = b, a
	}
	out := w.Clone()
	if out.ClientID == 0 {
		out.ClientID = l.ClientID
	}
	out.Status = maxStatus(a.Status, b.Status)
	if a.LooksLocal() != b.LooksLocal() {
		// a local echo collapsing into its server copy
		out.Status = StatusDelivered
	}
	if len(out.Reactions) == 0 && len(l.Reactions) > 0 {
		out.Reactions = l.Reactions.Clone()
	}
	if out.ReplyTo == nil && l.ReplyTo != nil {
		r := *l.ReplyTo
		out.ReplyTo = &r
	}
	if out.Attachment == nil && l.Attachment != nil {
		at := *l.Attachment
		out.Attachment = &at
	}
	if out.Room == "" {
		out.Room = l.Room
	}
	out.seq = min(a.seq, b.seq)
	if out.seq == 0 {
		out.seq = max(a.seq, b.seq)
	}
	return out
}

// join matches a local echo to its server copy by content.
func join(a, b Message) Message {
	echo, server := a, b
	if !a.LooksLocal() {
		echo, server = b, a
	}
	echo.joined, server.joined = nil, nil
	out := resolve(echo, server)
	out.joined = &contentMatch{echo: echo.Clone(), server: server.Clone()}
	return out
}

// combine merges b into x, records found to be the same message by id.
// x may be a content match, b never is.
func combine(x, b Message) Message {
	if x.joined == nil {
		return resolve(x, b)
	}
	echo, server := x.split()
	if _, ok := sameIdentity(&server, &b); ok {
		return join(echo, resolve(server, b))
	}
	return join(resolve(echo, b), server)
}

// contradicts reports whether b, carrying both ids, ties the echo or the
// server copy of content match x to another message.
func contradicts(x, b *Message) bool {
	if x.joined == nil || b.joined != nil || b.ClientID == 0 || !b.HasServerID() {
		return false
	}
	echo, server := &x.joined.echo, &x.joined.server
	if b.ClientID != echo.ClientID {
		return true
	}
	return server.MessageID != 0 && b.MessageID != server.MessageID
}

// mergeOne merges m into list and returns the rule of the last collapse, if
// any. Id matches always win. Otherwise m is matched by content to the closest
// candidate, taking it from an earlier content match that was further apart;
// the record left without a partner is merged again. The pairs that result
// do not depend on the order in which records arrive.
func mergeOne(list []Message, m Message) ([]Message, string) {
	if m.joined != nil {
		echo, server := m.split()
		list, _ = mergeOne(list, echo)
		return mergeOne(list, server)
	}

	cur := m
	var rule string
	var displaced []Message
	for {
		idx := -1
		for i := range list {
			if r, ok := sameIdentity(&list[i], &cur); ok {
				idx, rule = i, r
				break
			}
		}
		if idx < 0 {
			break
		}
		x := list[idx]
		list = slices.Delete(list, idx, idx+1)
		switch {
		case contradicts(&x, &cur):
			echo, server := x.split()
			if _, ok := sameIdentity(&echo, &cur); ok {
				cur = resolve(echo, cur)
				displaced = append(displaced, server)
			} else {
				cur = resolve(server, cur)
				displaced = append(displaced, echo)
			}
		case cur.joined != nil && x.joined != nil:
			echo, server := x.split()
			displaced = append(displaced, echo, server)
		case cur.joined != nil:
			cur = combine(cur, x)
		default:
			cur = combine(x, cur)
		}
	}

	if cur.joined == nil {
		best := -1
		var bestKey []int64
		for i := range list {
			x := &list[i]
			cand := x
			if x.joined != nil {
				mine, theirs := &x.joined.echo, &x.joined.server
				if cur.LooksLocal() {
					mine, theirs = theirs, mine
				}
				if !similar(mine, &cur) || slices.Compare(matchKey(mine, &cur), matchKey(mine, theirs)) >= 0 {
					continue
				}
				cand = mine
			} else if !similar(x, &cur) {
				continue
			}
			if k := matchKey(cand, &cur); best < 0 || slices.Compare(k, bestKey) < 0 {
				best, bestKey = i, k
			}
		}
		if best >= 0 {
			x := list[best]
			list = slices.Delete(list, best, best+1)
			if x.joined != nil {
				echo, server := x.split()
				if cur.LooksLocal() {
					cur = join(cur, server)
					displaced = append(displaced, echo)
				} else {
					cur = join(echo, cur)
					displaced = append(displaced, server)
				}
			} else {
				cur = join(x, cur)
			}
			rule = ruleHeuristic
		}
	}

	list = append(list, cur)
	for _, d := range displaced {
		list, _ = mergeOne(list, d)
	}
	return list, rule
}

func idKey(id int64) int64 {
	if id == 0 {
		return math.MaxInt64
	}
	return id
}

// compareMessages orders by timestamp, then server id, then client id, then
// insertion order. Records without an id sort after records with one.
func compareMessages(a, b Message) int {
	switch {
	case a.Timestamp != b.Timestamp:
		return cmpInt(a.Timestamp, b.Timestamp)
	case idKey(serverID(&a)) != idKey(serverID(&b)):
		return cmpInt(idKey(serverID(&a)), idKey(serverID(&b)))
	case idKey(a.ClientID) != idKey(b.ClientID):
		return cmpInt(idKey(a.ClientID), idKey(b.ClientID))
	default:
		return cmpInt(a.seq, b.seq)
	}
}

func serverID(m *Message) int64 {
	if m.HasServerID() {
		return m.MessageID
	}
	return 0
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func sortMessages(list []Message) {
	slices.SortStableFunc(list, compareMessages)
}

// Merge merges incoming into existing and returns the sorted canonical list.
// Neither argument is modified. The content of the result does not depend on
// the order or grouping in which messages are merged.
func Merge(existing, incoming []Message) []Message {
	out := make([]Message, 0, len(existing)+len(incoming))
	var seq int64
	for _, m := range existing {
		out = append(out, m.Clone())
		seq = max(seq, m.seq)
	}
	for _, m := range incoming {
		m = m.Clone()
		if m.seq == 0 {
			seq++
			m.seq = seq
		}
		out, _ = mergeOne(out, m)
	}
	sortMessages(out)
	return out
}

// Cursor bounds an incremental fetch.
type Cursor struct {
	// SinceMs is the newest timestamp in the list, local echoes included, 0 for none.
	SinceMs int64
	// AfterID is the highest server message id, 0 for none.
	AfterID int64
	Limit   int
}

func (c Cursor) IsZero() bool {
	return c.SinceMs == 0 && c.AfterID == 0
}

// ComputeCursor returns the sync cursors of a message list: the newest
// timestamp and the highest server message id.
func ComputeCursor(list []Message) Cursor {
	var c Cursor
	for i := range list {
		m := &list[i]
		c.SinceMs = max(c.SinceMs, m.Timestamp)
		c.AfterID = max(c.AfterID, serverID(m))
	}
	return c
}

// Reconciler owns the canonical message list of one room. It is not safe for
// concurrent use; the room session calls it from its loop only.
type Reconciler struct {
	room     string
	messages []Message
	seq      int64
	// client_id <-> message_id, kept for the lifetime of the room session
	clientToServer map[int64]int64
	serverToClient map[int64]int64
	// statuses that arrived before their message
	pendingStatus map[int64]MessageStatus
	deleted       map[int64]struct{}
	lastClientID  int64

	norm     *TimestampNormalizer
	now      func() time.Time
	onChange func(room string, messages []Message)
	logger   *slog.Logger
	metrics  *Metrics
}

type ReconcilerOption func(*Reconciler)

func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		r.now = now
	}
}

// WithOnChange sets the hook called with a copy of the list after every mutation.
func WithOnChange(f func(room string, messages []Message)) ReconcilerOption {
	return func(r *Reconciler) {
		r.onChange = f
	}
}

func WithReconcilerMetrics(m *Metrics) ReconcilerOption {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

func NewReconciler(room string, norm *TimestampNormalizer, logger *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		room:           room,
		clientToServer: make(map[int64]int64),
		serverToClient: make(map[int64]int64),
		pendingStatus:  make(map[int64]MessageStatus),
		deleted:        make(map[int64]struct{}),
		norm:           norm,
		now:            time.Now,
		onChange:       func(string, []Message) {},
		logger:         logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) Room() string {
	return r.room
}

func (r *Reconciler) nextSeq() int64 {
	r.seq++
	return r.seq
}

func (r *Reconciler) changed() {
	r.onChange(r.room, r.Messages())
}

// IngestLocalEcho appends a pending local echo of d. Its client id is the
// send time in epoch milliseconds, bumped when two sends share a millisecond.
func (r *Reconciler) IngestLocalEcho(d Draft) Message {
	clientID := r.now().UnixMilli()
	if clientID <= r.lastClientID {
		clientID = r.lastClientID + 1
	}
	r.lastClientID = clientID

	t := d.Type
	if t == "" {
		t = TextMessage
		if d.Attachment != nil {
			t = FileMessage
		}
	}
	m := Message{
		ClientID:   clientID,
		Room:       r.room,
		Sender:     d.Sender,
		Content:    d.Content,
		Type:       t,
		Timestamp:  clientID,
		Status:     StatusPending,
		ReplyTo:    d.ReplyTo,
		Attachment: d.Attachment,
		seq:        r.nextSeq(),
	}
	r.messages = append(r.messages, m)
	sortMessages(r.messages)
	r.metrics.ingested("local")
	r.changed()
	return m.Clone()
}

// IngestRemote decodes a raw server payload and merges it. It reports whether
// the canonical list changed.
func (r *Reconciler) IngestRemote(raw []byte) (Message, bool) {
	m := DecodeMessage(r.room, raw, r.norm)
	return m, r.IngestMessage(m, "socket")
}

// IngestMessage merges m into the canonical list. A message whose server id
// is already present is a no-op, as is a second copy of a server record
// without ids.
func (r *Reconciler) IngestMessage(m Message, source string) bool {
	m = r.enrich(m.Clone())
	if _, gone := r.deleted[serverID(&m)]; gone && m.HasServerID() {
		return false
	}
	if m.HasServerID() {
		if i := r.indexOf(m.MessageID); i >= 0 && r.messages[i].MessageID == m.MessageID {
			r.logger.Debug("duplicate message ignored",
				slog.Int64("message_id", m.MessageID), slog.String("error", ErrDuplicateMessage.Error()))
			return false
		}
	}
	if idless(&m) && r.hasCopy(&m) {
		r.logger.Debug("duplicate message ignored",
			slog.String("sender", m.Sender), slog.Int64("timestamp", m.Timestamp), slog.String("error", ErrDuplicateMessage.Error()))
		return false
	}
	m.seq = r.nextSeq()

	var rule string
	r.messages, rule = mergeOne(r.messages, m)
	if rule != "" {
		r.metrics.collapsed(rule)
		r.logger.Debug("collapsed message",
			slog.String("rule", rule), slog.Int64("message_id", m.MessageID), slog.Int64("client_id", m.ClientID))
	}
	r.afterMerge()
	r.metrics.ingested(source)
	r.changed()
	return true
}

// MergeBatch merges a batch fetched from the server or loaded from the cache.
func (r *Reconciler) MergeBatch(batch []Message, source string) {
	if len(batch) == 0 {
		return
	}
	incoming := make([]Message, 0, len(batch))
	for _, m := range batch {
		m = r.enrich(m.Clone())
		if _, gone := r.deleted[serverID(&m)]; gone && m.HasServerID() {
			continue
		}
		m.seq = r.nextSeq()
		incoming = append(incoming, m)
	}
	r.messages = Merge(r.messages, incoming)
	r.afterMerge()
	r.metrics.ingested(source)
	r.changed()
}

// Replace discards the current list and loads list instead, e.g. from the cache.
func (r *Reconciler) Replace(list []Message) {
	r.messages = nil
	incoming := make([]Message, 0, len(list))
	for _, m := range list {
		m = m.Clone()
		m.seq = r.nextSeq()
		if m.ClientID > r.lastClientID {
			r.lastClientID = m.ClientID
		}
		incoming = append(incoming, m)
	}
	r.messages = Merge(nil, incoming)
	r.afterMerge()
}

// Snapshot returns a copy of the list and a mark for ResetSince.
func (r *Reconciler) Snapshot() ([]Message, int64) {
	return r.Messages(), r.seq
}

// ResetSince drops every message ingested before mark was taken. Messages
// that arrived after it, e.g. while a resync was in flight, are kept.
func (r *Reconciler) ResetSince(mark int64) {
	r.messages = slices.DeleteFunc(r.messages, func(m Message) bool { return m.seq <= mark })
	r.changed()
}

// Messages returns a copy of the canonical list.
func (r *Reconciler) Messages() []Message {
	out := make([]Message, len(r.messages))
	for i := range r.messages {
		out[i] = r.messages[i].Clone()
	}
	return out
}

func (r *Reconciler) Len() int {
	return len(r.messages)
}

// Lookup resolves id, either a client id or a server message id, to its
// canonical message.
func (r *Reconciler) Lookup(id int64) (Message, bool) {
	i := r.indexOf(id)
	if i < 0 {
		return Message{}, false
	}
	return r.messages[i].Clone(), true
}

// ServerID returns the server message id mapped to a client id.
func (r *Reconciler) ServerID(clientID int64) (int64, bool) {
	if id, ok := r.clientToServer[clientID]; ok {
		return id, true
	}
	for i := range r.messages {
		if m := &r.messages[i]; m.joined != nil && m.ClientID == clientID && m.HasServerID() {
			return m.MessageID, true
		}
	}
	return 0, false
}

// AwaitsEcho reports whether the message in raw would settle a local echo
// that is still pending here.
func (r *Reconciler) AwaitsEcho(raw []byte) bool {
	m := r.enrich(DecodeMessage(r.room, raw, r.norm))
	for i := range r.messages {
		e := &r.messages[i]
		if !e.LooksLocal() {
			continue
		}
		if m.ClientID != 0 && e.ClientID == m.ClientID {
			return true
		}
		if similar(e, &m) {
			return true
		}
	}
	return false
}

// hasCopy reports whether a server record without ids like m is listed.
func (r *Reconciler) hasCopy(m *Message) bool {
	for i := range r.messages {
		if rule, ok := sameIdentity(&r.messages[i], m); ok && rule == ruleFingerprint {
			return true
		}
	}
	return false
}

func (r *Reconciler) indexOf(id int64) int {
	if id == 0 {
		return -1
	}
	ids := []int64{id}
	if s, ok := r.clientToServer[id]; ok {
		ids = append(ids, s)
	}
	if c, ok := r.serverToClient[id]; ok {
		ids = append(ids, c)
	}
	for i := range r.messages {
		m := &r.messages[i]
		for _, id := range ids {
			if m.MessageID == id || m.ClientID == id {
				return i
			}
		}
	}
	return -1
}

// MarkStatus upgrades the delivery status of a message. Statuses never go
// backwards. A status for a message not seen yet is applied on arrival.
func (r *Reconciler) MarkStatus(id int64, status MessageStatus) bool {
	i := r.indexOf(id)
	if i < 0 {
		r.pendingStatus[id] = maxStatus(r.pendingStatus[id], status)
		return false
	}
	m := &r.messages[i]
	next := maxStatus(m.Status, status)
	if next == m.Status {
		return false
	}
	for _, c := range copies(m) {
		c.Status = maxStatus(c.Status, status)
	}
	r.changed()
	return true
}

// ApplyEdit replaces the content of a message.
func (r *Reconciler) ApplyEdit(id int64, content string) bool {
	i := r.indexOf(id)
	if i < 0 {
		return false
	}
	m := &r.messages[i]
	if m.Content == content {
		return false
	}
	for _, c := range copies(m) {
		c.Content = content
		c.Edited = true
	}
	r.changed()
	return true
}

// Delete removes a message. A deleted server id is never ingested again.
func (r *Reconciler) Delete(id int64) bool {
	i := r.indexOf(id)
	if i < 0 {
		if id != 0 {
			r.deleted[id] = struct{}{}
		}
		return false
	}
	if s := serverID(&r.messages[i]); s != 0 {
		r.deleted[s] = struct{}{}
	}
	r.messages = slices.Delete(r.messages, i, i+1)
	r.changed()
	return true
}

// UpdateReactions replaces the reactions of a message with f's result.
func (r *Reconciler) UpdateReactions(id int64, f func(Reactions) Reactions) error {
	i := r.indexOf(id)
	if i < 0 {
		return NewErrorf(ErrUnknownMessage, "message %d in room %s", id, r.room)
	}
	m := &r.messages[i]
	next := f(m.Reactions.Clone())
	if next.Equal(m.Reactions) {
		return nil
	}
	for _, c := range copies(m) {
		c.Reactions = next.Clone()
	}
	r.changed()
	return nil
}

// Cursor returns the sync cursors of the current list.
func (r *Reconciler) Cursor() Cursor {
	return ComputeCursor(r.messages)
}

// enrich fills a missing id of m from the recorded id mapping.
func (r *Reconciler) enrich(m Message) Message {
	if m.ClientID == 0 && m.HasServerID() {
		if c, ok := r.serverToClient[m.MessageID]; ok {
			m.ClientID = c
		}
	}
	if m.MessageID == 0 && m.ClientID != 0 {
		if s, ok := r.clientToServer[m.ClientID]; ok {
			m.MessageID = s
		}
	}
	return m
}

// afterMerge records id mappings and applies statuses that arrived early.
func (r *Reconciler) afterMerge() {
	for i := range r.messages {
		m := &r.messages[i]
		// a content match may still be undone, so only id matches are recorded
		if m.joined == nil && m.ClientID != 0 && m.HasServerID() {
			if prev, ok := r.clientToServer[m.ClientID]; ok && prev != m.MessageID {
				r.logger.Warn("client id already mapped",
					slog.Int64("client_id", m.ClientID), slog.Int64("message_id", prev), slog.Int64("other", m.MessageID))
			} else if !ok {
				r.clientToServer[m.ClientID] = m.MessageID
				r.serverToClient[m.MessageID] = m.ClientID
			}
		}
		for _, id := range []int64{m.MessageID, m.ClientID} {
			if s, ok := r.pendingStatus[id]; ok && id != 0 {
				for _, c := range copies(m) {
					c.Status = maxStatus(c.Status, s)
				}
				delete(r.pendingStatus, id)
			}
		}
	}
}
