package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

const DefaultSyncLimit = 200

// A fetch that cannot reach the server is tried again this many times.
const (
	defaultFetchRetries    = 3
	defaultFetchBackoff    = 250 * time.Millisecond
	defaultFetchBackoffMax = 2 * time.Second
)

// MessageFetcher fetches a room's messages from the server. A zero cursor
// fetches everything.
type MessageFetcher interface {
	FetchMessages(ctx context.Context, room string, cursor Cursor) ([]Message, error)
}

// MessageCache persists a room's canonical list on the device.
type MessageCache interface {
	LoadMessages(ctx context.Context, room string) ([]Message, error)
	SaveMessages(ctx context.Context, room string, messages []Message) error
	ClearMessages(ctx context.Context, room string) error
}

type SyncResult struct {
	// Messages is the merged list, or the cached list when the fetch failed.
	Messages []Message
	// Fetched holds what the server returned.
	Fetched []Message
	// FullResync is set when the incremental fetch came back empty and the
	// whole room was fetched again.
	FullResync bool
	// Reset is set when the full fetch was empty too and the cache was cleared.
	Reset bool
}

// Syncer brings a cached room up to date with the server.
//
// An empty incremental fetch for a room with cached messages is ambiguous:
// it may mean nothing is new or that the server lost the room. The Syncer
// then fetches the room once without cursors, and if that is empty as well it
// clears the cache. Without a reset signal from the server the two cases
// cannot be told apart.
type Syncer struct {
	fetcher MessageFetcher
	// may be nil when the caller persists the result itself
	cache   MessageCache
	limit   int
	logger  *slog.Logger
	metrics *Metrics

	retries    uint64
	backoff    time.Duration
	backoffMax time.Duration
}

type SyncerOption func(*Syncer)

// WithFetchRetry sets how often and how patiently a fetch that cannot reach
// the server is retried. Zero retries disables retrying.
func WithFetchRetry(retries uint64, base, ceiling time.Duration) SyncerOption {
	return func(s *Syncer) {
		s.retries = retries
		s.backoff = base
		s.backoffMax = ceiling
	}
}

func NewSyncer(fetcher MessageFetcher, cache MessageCache, limit int, logger *slog.Logger, metrics *Metrics, opts ...SyncerOption) *Syncer {
	if limit <= 0 {
		limit = DefaultSyncLimit
	}
	s := &Syncer{
		fetcher:    fetcher,
		cache:      cache,
		limit:      limit,
		logger:     logger,
		metrics:    metrics,
		retries:    defaultFetchRetries,
		backoff:    defaultFetchBackoff,
		backoffMax: defaultFetchBackoffMax,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Syncer) newBackoff() retry.Backoff {
	b := retry.NewExponential(s.backoff)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(s.backoffMax, b)
	return retry.WithMaxRetries(s.retries, b)
}

// Sync fetches what is new since cached and merges it. On a fetch failure the
// cached list is returned with an error wrapping ErrNetworkUnreachable.
func (s *Syncer) Sync(ctx context.Context, room string, cached []Message) (SyncResult, error) {
	logger := s.logger.With(slog.String("room", room))

	cursor := ComputeCursor(cached)
	cursor.Limit = s.limit
	fetched, err := s.fetch(ctx, room, cursor)
	if err != nil {
		return SyncResult{Messages: cached}, err
	}

	var res SyncResult
	if len(fetched) == 0 && len(cached) > 0 {
		logger.Info("incremental sync empty, fetching room again",
			slog.Int64("since_ms", cursor.SinceMs), slog.Int64("after_id", cursor.AfterID))
		s.metrics.fullResync()
		res.FullResync = true

		fetched, err = s.fetch(ctx, room, Cursor{})
		if err != nil {
			return SyncResult{Messages: cached}, err
		}
		if len(fetched) == 0 {
			logger.Warn("room is empty on the server, clearing cache",
				slog.Int("cached", len(cached)), slog.String("error", ErrServerReset.Error()))
			s.metrics.serverReset()
			res.Reset = true
			if s.cache != nil {
				if err := s.cache.ClearMessages(ctx, room); err != nil {
					logger.Error(fmt.Sprintf("clear cache: %s", err))
				}
			}
			return res, nil
		}
	}

	res.Fetched = fetched
	res.Messages = Merge(cached, fetched)
	if len(fetched) > 0 && s.cache != nil {
		if err := s.cache.SaveMessages(ctx, room, res.Messages); err != nil {
			logger.Error(fmt.Sprintf("save cache: %s", err))
		}
	}
	logger.Debug("synced", slog.Int("fetched", len(fetched)), slog.Int("total", len(res.Messages)))
	return res, nil
}

// fetch retries transport failures with backoff. Any other error, such as
// a server error response, is returned at once.
func (s *Syncer) fetch(ctx context.Context, room string, cursor Cursor) ([]Message, error) {
	var msgs []Message
	err := retry.Do(ctx, s.newBackoff(), func(ctx context.Context) error {
		var err error
		msgs, err = s.fetcher.FetchMessages(ctx, room, cursor)
		if errors.Is(err, ErrNetworkUnreachable) {
			s.logger.Debug("fetch failed, retrying", slog.String("room", room), slog.String("error", err.Error()))
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return msgs, nil
	}
	if !errors.Is(err, ErrNetworkUnreachable) {
		err = fmt.Errorf("%w: %w", ErrNetworkUnreachable, err)
	}
	return nil, fmt.Errorf("Sync: %w", err)
}
