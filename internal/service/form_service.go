package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/oemslab/oems-backend/internal/config"
	"github.com/oemslab/oems-backend/internal/model"
	"github.com/oemslab/oems-backend/internal/repository"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// FormService serves the candidate-facing view of forms and fields, cached
// in Redis so exam traffic bypasses PostgreSQL.
type FormService struct {
	forms *repository.FormRepository
	rdb   *redis.Client
	log   zerolog.Logger
}

// NewFormService creates a new FormService.
func NewFormService(forms *repository.FormRepository, rdb *redis.Client, log zerolog.Logger) *FormService {
	return &FormService{
		forms: forms,
		rdb:   rdb,
		log:   log.With().Str("component", "form_service").Logger(),
	}
}

// GetByID returns a form by ID, translating a missing row to ErrNotFound.
func (s *FormService) GetByID(ctx context.Context, formID uuid.UUID) (*model.Form, error) {
	form, err := s.forms.GetByID(ctx, formID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, Transient(fmt.Errorf("get form: %w", err))
	}
	return form, nil
}

// GetPayload returns the candidate-facing payload for a published form,
// from Redis when warm, falling back to PostgreSQL with a self-heal write.
func (s *FormService) GetPayload(ctx context.Context, formID uuid.UUID) (*model.FormPayload, error) {
	key := config.CacheKey.FormPayloadKey(formID.String())

	val, err := s.rdb.Get(ctx, key).Result()
	if err == nil {
		payload := &model.FormPayload{}
		if err := json.Unmarshal([]byte(val), payload); err == nil {
			return payload, nil
		}
		// Corrupt cache entry: fall through and rebuild.
		s.log.Warn().Str("form_id", formID.String()).Msg("Discarding corrupt cached payload")
	} else if !errors.Is(err, redis.Nil) {
		return nil, Transient(fmt.Errorf("get cached payload: %w", err))
	}

	payload, err := s.buildPayload(ctx, formID)
	if err != nil {
		return nil, err
	}

	if err := s.cachePayload(ctx, payload); err != nil {
		s.log.Warn().Err(err).Str("form_id", formID.String()).Msg("Failed to cache payload")
	}
	return payload, nil
}

// GetFields returns the field definitions of a published form.
func (s *FormService) GetFields(ctx context.Context, formID uuid.UUID) ([]model.Field, error) {
	payload, err := s.GetPayload(ctx, formID)
	if err != nil {
		return nil, err
	}
	return payload.Fields, nil
}

// PrewarmAllCaches loads every published form's payload into Redis before the
// server accepts traffic, avoiding thundering-herd lazy loads at exam start.
func (s *FormService) PrewarmAllCaches(ctx context.Context) error {
	forms, err := s.forms.ListPublished(ctx)
	if err != nil {
		return fmt.Errorf("list published forms: %w", err)
	}

	for i := range forms {
		payload, err := s.buildPayload(ctx, forms[i].ID)
		if err != nil {
			s.log.Warn().Err(err).Str("form_id", forms[i].ID.String()).Msg("Prewarm skipped form")
			continue
		}
		if err := s.cachePayload(ctx, payload); err != nil {
			s.log.Warn().Err(err).Str("form_id", forms[i].ID.String()).Msg("Prewarm cache write failed")
		}
	}

	s.log.Info().Int("count", len(forms)).Msg("Form caches prewarmed")
	return nil
}

func (s *FormService) buildPayload(ctx context.Context, formID uuid.UUID) (*model.FormPayload, error) {
	form, err := s.GetByID(ctx, formID)
	if err != nil {
		return nil, err
	}
	if form.Status != model.FormStatusPublished {
		return nil, ErrFormNotAvailable
	}

	fields, err := s.forms.ListFields(ctx, formID)
	if err != nil {
		return nil, Transient(fmt.Errorf("list fields: %w", err))
	}

	return &model.FormPayload{
		FormID:          form.ID,
		Title:           form.Title,
		Description:     form.Description,
		DurationSeconds: form.DurationSeconds,
		MaxWarnings:     form.MaxWarnings,
		Fields:          fields,
	}, nil
}

func (s *FormService) cachePayload(ctx context.Context, payload *model.FormPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, config.CacheKey.FormPayloadKey(payload.FormID.String()), data, 0)
	pipe.Set(ctx, config.CacheKey.FormDurationKey(payload.FormID.String()), payload.DurationSeconds, 0)
	_, err = pipe.Exec(ctx)
	return err
}
