package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oemslab/oems-backend/internal/model"
)

// CandidateRepository handles candidate data access.
type CandidateRepository struct {
	pool *pgxpool.Pool
}

// NewCandidateRepository creates a new CandidateRepository.
func NewCandidateRepository(pool *pgxpool.Pool) *CandidateRepository {
	return &CandidateRepository{pool: pool}
}

// GetByEmail retrieves a candidate by email.
func (r *CandidateRepository) GetByEmail(ctx context.Context, email string) (*model.Candidate, error) {
	cand := &model.Candidate{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, email, name, password_hash, form_id, created_at
		 FROM candidates
		 WHERE email = $1`, email,
	).Scan(&cand.ID, &cand.Email, &cand.Name, &cand.PasswordHash, &cand.FormID, &cand.CreatedAt)
	if err != nil {
		return nil, err
	}
	return cand, nil
}

// GetByEmailAndForm retrieves a candidate eligible for a specific form.
func (r *CandidateRepository) GetByEmailAndForm(ctx context.Context, email string, formID uuid.UUID) (*model.Candidate, error) {
	cand := &model.Candidate{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, email, name, password_hash, form_id, created_at
		 FROM candidates
		 WHERE email = $1 AND form_id = $2`, email, formID,
	).Scan(&cand.ID, &cand.Email, &cand.Name, &cand.PasswordHash, &cand.FormID, &cand.CreatedAt)
	if err != nil {
		return nil, err
	}
	return cand, nil
}

// Create inserts a new candidate. Used by the CLI seeding tools.
func (r *CandidateRepository) Create(ctx context.Context, cand *model.Candidate) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO candidates (email, name, password_hash, form_id)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		cand.Email, cand.Name, cand.PasswordHash, cand.FormID,
	).Scan(&cand.ID, &cand.CreatedAt)
}
