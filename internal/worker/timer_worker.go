package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oemslab/oems-backend/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	TimerBatchSize    = 50
	TimerBatchTimeout = 2 * time.Second
	TimerPollTimeout  = 1 * time.Second
)

// TimerWorker drains elapsed-time checkpoints into the submissions table.
// Checkpoints only ever push elapsed_seconds forward; GREATEST keeps a late
// or replayed checkpoint from rolling the clock back.
type TimerWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

func NewTimerWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *TimerWorker {
	return &TimerWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "timer_worker").Logger(),
	}
}

type checkpointPayload struct {
	FormID         string `json:"form_id"`
	CandidateEmail string `json:"candidate_email"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
}

func (w *TimerWorker) Start(ctx context.Context) {
	w.log.Info().Msg("TimerWorker started")

	batch := make([]*checkpointPayload, 0, TimerBatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= TimerBatchSize || time.Since(lastFlush) >= TimerBatchTimeout) {

			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			w.flushSafe(context.Background(), batch)
			return

		default:
			item, err := w.rdb.BLPop(ctx, TimerPollTimeout, config.WorkerKey.PersistTimersQueue).Result()
			if err != nil {
				if err != redis.Nil && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
				}
				continue
			}

			if len(item) < 2 {
				continue
			}

			var p checkpointPayload
			if err := json.Unmarshal([]byte(item[1]), &p); err != nil {
				w.log.Error().Err(err).Msg("Invalid JSON payload")
				continue
			}

			batch = append(batch, &p)
		}
	}
}

func (w *TimerWorker) flushSafe(ctx context.Context, batch []*checkpointPayload) {
	if len(batch) == 0 {
		return
	}

	if err := w.bulkUpdateCheckpoints(ctx, batch); err != nil {
		w.log.Warn().Err(err).Msg("Bulk checkpoint update failed, using fallback")

		for _, p := range batch {
			if err := w.persistSingle(ctx, p); err != nil {
				w.log.Error().Err(err).Msg("persistSingle failed, requeueing")
				raw, _ := json.Marshal(p)
				w.rdb.RPush(ctx, config.WorkerKey.PersistTimersQueue, raw)
			}
		}
	}
}

// bulkUpdateCheckpoints performs one UPDATE joining against UNNEST'd arrays.
func (w *TimerWorker) bulkUpdateCheckpoints(ctx context.Context, batch []*checkpointPayload) error {
	n := len(batch)

	formIDs := make([]uuid.UUID, 0, n)
	emails := make([]string, 0, n)
	elapsed := make([]int, 0, n)

	for _, p := range batch {
		fID, err := uuid.Parse(p.FormID)
		if err != nil {
			return err
		}
		formIDs = append(formIDs, fID)
		emails = append(emails, p.CandidateEmail)
		elapsed = append(elapsed, p.ElapsedSeconds)
	}

	query := `
		UPDATE submissions AS s
		SET elapsed_seconds = GREATEST(s.elapsed_seconds, t.elapsed_seconds),
		    updated_at = NOW()
		FROM (
			SELECT
				u.form_id,
				u.candidate_email,
				u.elapsed_seconds
			FROM UNNEST(
				$1::uuid[],
				$2::text[],
				$3::int[]
			) AS u (form_id, candidate_email, elapsed_seconds)
		) AS t
		WHERE s.form_id = t.form_id
		  AND s.candidate_email = t.candidate_email
		  AND s.status = 'DRAFT'
	`

	_, err := w.pool.Exec(ctx, query, formIDs, emails, elapsed)
	return err
}

func (w *TimerWorker) persistSingle(ctx context.Context, p *checkpointPayload) error {
	fID, err := uuid.Parse(p.FormID)
	if err != nil {
		return err
	}

	_, err = w.pool.Exec(ctx,
		`UPDATE submissions
		 SET elapsed_seconds = GREATEST(elapsed_seconds, $1),
		     updated_at = NOW()
		 WHERE form_id = $2 AND candidate_email = $3 AND status = 'DRAFT'`,
		p.ElapsedSeconds, fID, p.CandidateEmail,
	)
	return err
}
