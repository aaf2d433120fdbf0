package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oemslab/oems-backend/internal/model"
)

// FormRepository handles form (exam definition) data access.
type FormRepository struct {
	pool *pgxpool.Pool
}

// NewFormRepository creates a new FormRepository.
func NewFormRepository(pool *pgxpool.Pool) *FormRepository {
	return &FormRepository{pool: pool}
}

// GetByID retrieves a form by its ID.
func (r *FormRepository) GetByID(ctx context.Context, formID uuid.UUID) (*model.Form, error) {
	f := &model.Form{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, COALESCE(description, ''), duration_seconds, max_warnings, status, created_at, updated_at
		 FROM forms
		 WHERE id = $1`, formID,
	).Scan(&f.ID, &f.Title, &f.Description, &f.DurationSeconds, &f.MaxWarnings, &f.Status, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ListPublished retrieves all published forms. Used for cache prewarm on boot.
func (r *FormRepository) ListPublished(ctx context.Context) ([]model.Form, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, title, COALESCE(description, ''), duration_seconds, max_warnings, status, created_at, updated_at
		 FROM forms
		 WHERE status = $1`, model.FormStatusPublished,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var forms []model.Form
	for rows.Next() {
		var f model.Form
		if err := rows.Scan(&f.ID, &f.Title, &f.Description, &f.DurationSeconds, &f.MaxWarnings, &f.Status, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		forms = append(forms, f)
	}
	return forms, rows.Err()
}

// ListFields retrieves the field definitions of a form in display order.
func (r *FormRepository) ListFields(ctx context.Context, formID uuid.UUID) ([]model.Field, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, form_id, label, field_type, options, required, position
		 FROM fields
		 WHERE form_id = $1
		 ORDER BY position ASC`, formID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fields []model.Field
	for rows.Next() {
		var f model.Field
		if err := rows.Scan(&f.ID, &f.FormID, &f.Label, &f.FieldType, &f.Options, &f.Required, &f.Position); err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}
