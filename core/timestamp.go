package core

import (
	"encoding/json"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// TimestampFields are the payload fields tried, in order, when picking the
// canonical timestamp of a message.
var TimestampFields = []string{
	"timestamp",
	"server_timestamp",
	"server_ts",
	"sent_at",
	"created_at",
	"message_id",
	"client_id",
}

var (
	// the server appends "Z" to an isoformat() that already carries an offset
	malformedZone = regexp.MustCompile(`([+-]\d{2}:?\d{2})[Zz]$`)
	longFraction  = regexp.MustCompile(`(\.\d{3})\d+`)
)

// offset aware layouts
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05.999999999-07",
}

// best effort layouts; layouts without a zone are read as UTC
var looseLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-0700",
	"2006-01-02 15:04:05.999999999",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	time.ANSIC,
	"2006-01-02T15:04",
	"2006-01-02",
}

// TimestampNormalizer converts the timestamp representations found on the wire
// into epoch milliseconds.
type TimestampNormalizer struct {
	now     func() time.Time
	logger  *slog.Logger
	metrics *Metrics
}

func NewTimestampNormalizer(logger *slog.Logger, metrics *Metrics) *TimestampNormalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimestampNormalizer{
		now:     time.Now,
		logger:  logger,
		metrics: metrics,
	}
}

// Normalize returns v as epoch milliseconds. Values that cannot be parsed
// normalize to the current time; that path is logged and counted.
func (n *TimestampNormalizer) Normalize(v any) int64 {
	ms, _ := n.NormalizeChecked(v)
	return ms
}

// NormalizeChecked is Normalize but also reports false when the fallback to
// the current time was used.
func (n *TimestampNormalizer) NormalizeChecked(v any) (int64, bool) {
	if ms, ok := parseTimestamp(v); ok {
		return ms, true
	}
	n.logger.Warn("timestamp fallback to now",
		slog.String("error", ErrMalformedTimestamp.Error()),
		slog.Any("value", v))
	n.metrics.timestampFallback()
	return n.now().UnixMilli(), false
}

// PickCanonicalTimestamp normalizes the first usable timestamp field of a raw
// message payload.
func (n *TimestampNormalizer) PickCanonicalTimestamp(raw []byte) int64 {
	for _, field := range TimestampFields {
		r := gjson.GetBytes(raw, field)
		if !r.Exists() || r.Type == gjson.Null {
			continue
		}
		if r.Type == gjson.String && strings.TrimSpace(r.Str) == "" {
			continue
		}
		if ms, ok := parseTimestamp(r); ok {
			return ms
		}
	}
	n.logger.Warn("no usable timestamp field, fallback to now",
		slog.String("error", ErrMalformedTimestamp.Error()),
		slog.Int("payload.size", len(raw)))
	n.metrics.timestampFallback()
	return n.now().UnixMilli()
}

func parseTimestamp(v any) (int64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case uint64:
		if t > math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	case float64:
		return floatMillis(t)
	case float32:
		return floatMillis(float64(t))
	case json.Number:
		return parseTimestampString(t.String())
	case time.Time:
		if t.IsZero() {
			return 0, false
		}
		return t.UnixMilli(), true
	case *time.Time:
		if t == nil {
			return 0, false
		}
		return parseTimestamp(*t)
	case gjson.Result:
		switch t.Type {
		case gjson.Number:
			return parseTimestampString(t.Raw)
		case gjson.String:
			return parseTimestampString(t.Str)
		default:
			return 0, false
		}
	case string:
		return parseTimestampString(t)
	default:
		return 0, false
	}
}

func floatMillis(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func parseTimestampString(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return floatMillis(f)
	}

	s = malformedZone.ReplaceAllString(s, "$1")
	s = longFraction.ReplaceAllString(s, "$1")

	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), true
		}
	}
	for _, layout := range looseLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

// FormatTimestamp renders epoch milliseconds as RFC 3339 in UTC.
func FormatTimestamp(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
