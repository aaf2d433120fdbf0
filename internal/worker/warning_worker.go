package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oemslab/oems-backend/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	WarningBatchSize    = 50
	WarningBatchTimeout = 2 * time.Second
	WarningPollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// WarningWorker drains the warning audit queue into the warning_events table.
// The authoritative count already lives on the submission row; this trail
// records each individual violation for proctoring review.
type WarningWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

func NewWarningWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *WarningWorker {
	return &WarningWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "warning_worker").Logger(),
	}
}

type warningPayload struct {
	FormID         string `json:"form_id"`
	CandidateEmail string `json:"candidate_email"`
	Kind           string `json:"kind"`
	Count          int    `json:"count"`
	Timestamp      int64  `json:"timestamp"`
}

func (w *WarningWorker) Start(ctx context.Context) {
	w.log.Info().Msg("WarningWorker started")

	buffer := make([]*warningPayload, 0, WarningBatchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Check flush conditions (time or size)
		if len(buffer) > 0 {
			if len(buffer) >= WarningBatchSize || time.Since(lastFlushTime) >= WarningBatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		// 2. Check context (graceful shutdown)
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch from Redis. BLPop blocks for 1 second, returns
		// immediately if data exists.
		result, err := w.rdb.BLPop(ctx, WarningPollTimeout, config.WorkerKey.PersistWarningsQueue).Result()
		if err != nil {
			if err == redis.Nil {
				continue // Queue empty, loop back to check flush timer
			}
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}

		if len(result) < 2 {
			continue
		}

		var payload warningPayload
		if err := json.Unmarshal([]byte(result[1]), &payload); err != nil {
			// Malformed JSON cannot be retried. Log and discard.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}

		buffer = append(buffer, &payload)
	}
}

// flushSafe attempts bulk insert, then fallback insert, then requeue.
func (w *WarningWorker) flushSafe(ctx context.Context, batch []*warningPayload) {
	if err := w.bulkInsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
	}
}

func (w *WarningWorker) bulkInsert(ctx context.Context, batch []*warningPayload) error {
	rows := make([][]interface{}, 0, len(batch))
	for _, p := range batch {
		formID, err := uuid.Parse(p.FormID)
		if err != nil {
			// Trigger the fallback, which drops the bad row individually.
			return err
		}
		rows = append(rows, []interface{}{
			formID, p.CandidateEmail, p.Kind, p.Count, time.Unix(p.Timestamp, 0),
		})
	}

	_, err := w.pool.CopyFrom(
		ctx,
		pgx.Identifier{"warning_events"},
		[]string{"form_id", "candidate_email", "kind", "count", "recorded_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

func (w *WarningWorker) fallbackInsert(ctx context.Context, batch []*warningPayload) {
	requeueList := make([]*warningPayload, 0)

	for _, p := range batch {
		formID, err := uuid.Parse(p.FormID)
		if err != nil {
			w.log.Error().Str("form_id", p.FormID).Msg("Dropping warning event with invalid UUID")
			continue
		}

		_, err = w.pool.Exec(ctx,
			`INSERT INTO warning_events (form_id, candidate_email, kind, count, recorded_at)
             VALUES ($1, $2, $3, $4, $5)`,
			formID, p.CandidateEmail, p.Kind, p.Count, time.Unix(p.Timestamp, 0),
		)
		if err != nil {
			w.log.Error().Err(err).Str("candidate", p.CandidateEmail).Msg("Insert failed, requeueing")
			requeueList = append(requeueList, p)
		}
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *WarningWorker) requeue(ctx context.Context, items []*warningPayload) {
	pipe := w.rdb.Pipeline()
	for _, p := range items {
		data, _ := json.Marshal(p)
		pipe.RPush(ctx, config.WorkerKey.PersistWarningsQueue, data)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
	} else {
		w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
		// Avoid thrashing if the DB is down hard.
		time.Sleep(2 * time.Second)
	}
}

func (w *WarningWorker) shutdown(buffer []*warningPayload) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}
