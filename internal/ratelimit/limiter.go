package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/smukkama/telemetry-alerts/internal/logger"
	"github.com/smukkama/telemetry-alerts/internal/metrics"
)

// admitScript increments the counter of every window of a tracker in one
// atomic step. KEYS holds one counter key per window; ARGV holds
// (limit, ttl_ms) pairs in the same order. It returns the 1-based index of
// the first exceeded window (0 when admitted) and the first window's count.
var admitScript = redis.NewScript(`
	local rejected = 0
	local first = 0
	for i, key in ipairs(KEYS) do
		local count = redis.call('INCR', key)
		local limit = tonumber(ARGV[(i - 1) * 2 + 1])
		local ttl = tonumber(ARGV[(i - 1) * 2 + 2])
		if count == 1 then
			redis.call('PEXPIRE', key, ttl)
		end
		if i == 1 then
			first = count
		end
		if rejected == 0 and count > limit then
			rejected = i
		end
	end
	return {rejected, first}
`)

var (
	// ErrRateLimitExceeded matches every *RateLimitError
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrStoreUnavailable is returned for fail-closed policies when counting fails
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
)

// RateLimitError is a rejection with a retry hint
type RateLimitError struct {
	Tracker    string
	Window     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (%s window), retry after %s", e.Tracker, e.Window, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// Limiter counts admissions in Redis so that every gateway instance shares
// the same buckets. Buckets are fixed windows keyed by window start and
// expire when the window ends.
type Limiter struct {
	redis *redis.Client
	now   func() time.Time
	log   zerolog.Logger
}

// NewLimiter creates a Redis-backed limiter
func NewLimiter(redisClient *redis.Client) *Limiter {
	return &Limiter{
		redis: redisClient,
		now:   time.Now,
		log:   logger.WithComponent("ratelimit"),
	}
}

// BucketKey returns the counter key of a tracker for the window containing now
func BucketKey(trackerKey string, w Window, now time.Time) (string, time.Time) {
	start := now.Truncate(w.Length)
	return fmt.Sprintf("ratelimit:%s:%s:%d", trackerKey, w.Name, start.Unix()), start
}

// Admit counts one request for the tracker. It returns nil when the request
// is allowed, a *RateLimitError when a window is exhausted, and
// ErrStoreUnavailable when counting failed under a fail-closed policy.
func (l *Limiter) Admit(ctx context.Context, tracker Tracker) error {
	now := l.now()
	windows := tracker.Policy.Windows
	if len(windows) == 0 {
		return nil
	}

	keys := make([]string, len(windows))
	args := make([]interface{}, 0, len(windows)*2)
	ends := make([]time.Time, len(windows))
	for i, w := range windows {
		key, start := BucketKey(tracker.Key, w, now)
		keys[i] = key
		ends[i] = start.Add(w.Length)
		ttl := ends[i].Sub(now)
		if ttl < time.Millisecond {
			ttl = time.Millisecond
		}
		args = append(args, strconv.FormatInt(w.Limit, 10), strconv.FormatInt(ttl.Milliseconds(), 10))
	}

	class := string(tracker.Policy.Class)
	res, err := admitScript.Run(ctx, l.redis, keys, args...).Int64Slice()
	if err != nil {
		if tracker.Policy.FailOpen {
			metrics.RateLimitStoreFailures.WithLabelValues("open").Inc()
			metrics.RateLimitDecisions.WithLabelValues(class, "allowed").Inc()
			l.log.Warn().Err(err).Str("tracker", tracker.Key).Msg("rate limit store unavailable, admitting")
			return nil
		}
		metrics.RateLimitStoreFailures.WithLabelValues("closed").Inc()
		metrics.RateLimitDecisions.WithLabelValues(class, "rejected").Inc()
		l.log.Error().Err(err).Str("tracker", tracker.Key).Msg("rate limit store unavailable, rejecting")
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if len(res) < 1 || res[0] == 0 {
		metrics.RateLimitDecisions.WithLabelValues(class, "allowed").Inc()
		return nil
	}

	idx := int(res[0]) - 1
	metrics.RateLimitDecisions.WithLabelValues(class, "rejected").Inc()
	return &RateLimitError{
		Tracker:    tracker.Key,
		Window:     windows[idx].Name,
		RetryAfter: ends[idx].Sub(now),
	}
}

// Bucket reads the current counter of one window, for diagnostics
func (l *Limiter) Bucket(ctx context.Context, trackerKey string, w Window) (*RateLimitBucketView, error) {
	key, start := BucketKey(trackerKey, w, l.now())
	count, err := l.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		count = 0
	} else if err != nil {
		return nil, fmt.Errorf("failed to read bucket: %w", err)
	}
	return &RateLimitBucketView{TrackerKey: trackerKey, WindowStart: start, Count: count}, nil
}

// RateLimitBucketView is a snapshot of one bucket
type RateLimitBucketView struct {
	TrackerKey  string
	WindowStart time.Time
	Count       int64
}
