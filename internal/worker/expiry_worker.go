package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oemslab/oems-backend/internal/config"
	"github.com/oemslab/oems-backend/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const ExpirySweepInterval = 30 * time.Second

// ExpiryWorker is the safety net behind the in-process tick loops: it sweeps
// draft submissions whose deadline (plus grace) has passed and terminates them
// directly in SQL. Covers sessions orphaned by a server restart, where no
// live tick loop exists to fire the expiry edge.
type ExpiryWorker struct {
	pool  *pgxpool.Pool
	rdb   *redis.Client
	grace time.Duration
	log   zerolog.Logger
}

func NewExpiryWorker(pool *pgxpool.Pool, rdb *redis.Client, grace time.Duration, log zerolog.Logger) *ExpiryWorker {
	return &ExpiryWorker{
		pool:  pool,
		rdb:   rdb,
		grace: grace,
		log:   log.With().Str("component", "expiry_worker").Logger(),
	}
}

func (w *ExpiryWorker) Start(ctx context.Context) {
	w.log.Info().Dur("grace", w.grace).Msg("ExpiryWorker started")

	ticker := time.NewTicker(ExpirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("ExpiryWorker stopping")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep terminates every overdue draft in one guarded UPDATE. The status
// filter makes the sweep race-safe against concurrent manual submits: a row
// that turned terminal in the meantime no longer matches.
func (w *ExpiryWorker) sweep(ctx context.Context) {
	rows, err := w.pool.Query(ctx,
		`UPDATE submissions AS s
		 SET status = $1,
		     end_time = NOW(),
		     elapsed_seconds = GREATEST(s.elapsed_seconds, f.duration_seconds),
		     remarks = COALESCE(s.remarks, $2),
		     updated_at = NOW()
		 FROM forms AS f
		 WHERE s.form_id = f.id
		   AND s.status = $3
		   AND s.start_time + ((f.duration_seconds + $4) * interval '1 second') < NOW()
		 RETURNING s.form_id, s.candidate_email`,
		model.SubmissionStatusTerminated,
		string(model.ForceReasonTimerExpired),
		model.SubmissionStatusDraft,
		int(w.grace.Seconds()),
	)
	if err != nil {
		w.log.Error().Err(err).Msg("Expiry sweep query failed")
		return
	}
	defer rows.Close()

	type terminated struct {
		formID uuid.UUID
		email  string
	}
	var swept []terminated
	for rows.Next() {
		var t terminated
		if err := rows.Scan(&t.formID, &t.email); err != nil {
			w.log.Error().Err(err).Msg("Expiry sweep scan failed")
			return
		}
		swept = append(swept, t)
	}
	if err := rows.Err(); err != nil {
		w.log.Error().Err(err).Msg("Expiry sweep rows error")
		return
	}

	if len(swept) == 0 {
		return
	}

	// Invalidate cached reads so rehydrating clients see the terminal state.
	pipe := w.rdb.Pipeline()
	for _, t := range swept {
		pipe.Del(ctx,
			config.CacheKey.SubmissionTagKey(t.formID.String(), t.email),
			config.CacheKey.WarningCountKey(t.formID.String(), t.email),
			config.CacheKey.SubmissionStartKey(t.formID.String(), t.email),
		)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Warn().Err(err).Msg("Cache invalidation after sweep failed")
	}

	w.log.Info().Int("count", len(swept)).Msg("Terminated overdue draft submissions")
}
