// Package cache wraps the Redis keys the session lifecycle depends on:
// authoritative start times, submission read-cache tags, the warning count
// mirror, and the worker queues.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/oemslab/oems-backend/internal/config"
	"github.com/oemslab/oems-backend/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// submissionTagTTL bounds staleness if an invalidation Del is ever lost.
const submissionTagTTL = time.Hour

// SessionCache is the Redis-backed side store for exam sessions.
type SessionCache struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewSessionCache creates a new SessionCache.
func NewSessionCache(rdb *redis.Client, log zerolog.Logger) *SessionCache {
	return &SessionCache{
		rdb: rdb,
		log: log.With().Str("component", "session_cache").Logger(),
	}
}

// GetStartTime reads the cached authoritative start time for a submission.
// The second return value is false on a cache miss.
func (c *SessionCache) GetStartTime(ctx context.Context, formID, candidateEmail string) (time.Time, bool, error) {
	key := config.CacheKey.SubmissionStartKey(formID, candidateEmail)
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get start time: %w", err)
	}
	unix, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid start time format in cache: %w", err)
	}
	return time.Unix(unix, 0), true, nil
}

// SetStartTime caches a submission's start time. Start times never change, so
// the key carries no TTL.
func (c *SessionCache) SetStartTime(ctx context.Context, formID, candidateEmail string, start time.Time) error {
	key := config.CacheKey.SubmissionStartKey(formID, candidateEmail)
	return c.rdb.Set(ctx, key, start.Unix(), 0).Err()
}

// GetSubmission reads the cached submission view for a (form, candidate)
// pair. The second return value is false on a miss; a corrupt entry is
// dropped and reported as a miss.
func (c *SessionCache) GetSubmission(ctx context.Context, formID, candidateEmail string) (*model.Submission, bool, error) {
	key := config.CacheKey.SubmissionTagKey(formID, candidateEmail)
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached submission: %w", err)
	}
	sub := &model.Submission{}
	if err := json.Unmarshal([]byte(val), sub); err != nil {
		c.log.Warn().Str("key", key).Msg("Discarding corrupt cached submission")
		c.rdb.Del(ctx, key)
		return nil, false, nil
	}
	return sub, true, nil
}

// SetSubmission caches a submission view under its (form, candidate) tag.
// Every mutation path deletes the tag, so readers never see a stale status.
func (c *SessionCache) SetSubmission(ctx context.Context, sub *model.Submission) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}
	key := config.CacheKey.SubmissionTagKey(sub.FormID.String(), sub.CandidateEmail)
	return c.rdb.Set(ctx, key, data, submissionTagTTL).Err()
}

// InvalidateSubmission drops the read-cache tag for a candidate's submission
// so the next read reflects the new status.
func (c *SessionCache) InvalidateSubmission(ctx context.Context, formID, candidateEmail string) error {
	pipe := c.rdb.Pipeline()
	pipe.Del(ctx, config.CacheKey.SubmissionTagKey(formID, candidateEmail))
	pipe.Del(ctx, config.CacheKey.WarningCountKey(formID, candidateEmail))
	_, err := pipe.Exec(ctx)
	return err
}

// SetWarningCount mirrors the persisted warning count for fast rehydration.
func (c *SessionCache) SetWarningCount(ctx context.Context, formID, candidateEmail string, count int) error {
	key := config.CacheKey.WarningCountKey(formID, candidateEmail)
	return c.rdb.Set(ctx, key, count, 0).Err()
}

// GetWarningCount reads the mirrored warning count. False on a miss.
func (c *SessionCache) GetWarningCount(ctx context.Context, formID, candidateEmail string) (int, bool, error) {
	key := config.CacheKey.WarningCountKey(formID, candidateEmail)
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get warning count: %w", err)
	}
	count, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("invalid warning count in cache: %w", err)
	}
	return count, true, nil
}

// GetFormDuration reads the cached duration of a form. False on a miss.
func (c *SessionCache) GetFormDuration(ctx context.Context, formID string) (int, bool, error) {
	val, err := c.rdb.Get(ctx, config.CacheKey.FormDurationKey(formID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get form duration: %w", err)
	}
	seconds, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("invalid form duration in cache: %w", err)
	}
	return seconds, true, nil
}

// SetFormDuration writes back a form's duration after a cache miss.
func (c *SessionCache) SetFormDuration(ctx context.Context, formID string, seconds int) error {
	return c.rdb.Set(ctx, config.CacheKey.FormDurationKey(formID), seconds, 0).Err()
}

// PublishMonitorEvent broadcasts a proctoring event on the form's monitor
// channel. Fire-and-forget: no subscribers is not an error.
func (c *SessionCache) PublishMonitorEvent(ctx context.Context, formID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal monitor event: %w", err)
	}
	return c.rdb.Publish(ctx, config.CacheKey.FormMonitorChannel(formID), data).Err()
}

// PushQueue marshals payload and appends it to the named worker queue.
func (c *SessionCache) PushQueue(ctx context.Context, queue string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal queue payload: %w", err)
	}
	return c.rdb.RPush(ctx, queue, data).Err()
}
