package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oemslab/oems-backend/internal/model"
)

const submissionColumns = `response_id, form_id, candidate_email, value, status,
	start_time, end_time, elapsed_seconds, score, remarks, warnings, created_at, updated_at`

// SubmissionRepository handles submission data access.
type SubmissionRepository struct {
	pool *pgxpool.Pool
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(pool *pgxpool.Pool) *SubmissionRepository {
	return &SubmissionRepository{pool: pool}
}

func scanSubmission(row interface{ Scan(...any) error }) (*model.Submission, error) {
	s := &model.Submission{}
	err := row.Scan(
		&s.ResponseID, &s.FormID, &s.CandidateEmail, &s.Value, &s.Status,
		&s.StartTime, &s.EndTime, &s.ElapsedSeconds, &s.Score, &s.Remarks,
		&s.Warnings, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetByFormAndCandidate retrieves the submission for a (form, candidate) pair.
func (r *SubmissionRepository) GetByFormAndCandidate(ctx context.Context, formID uuid.UUID, email string) (*model.Submission, error) {
	return scanSubmission(r.pool.QueryRow(ctx,
		`SELECT `+submissionColumns+`
		 FROM submissions
		 WHERE form_id = $1 AND candidate_email = $2`, formID, email,
	))
}

// GetByResponseID retrieves a submission by its response ID, scoped to a form.
func (r *SubmissionRepository) GetByResponseID(ctx context.Context, responseID, formID uuid.UUID) (*model.Submission, error) {
	return scanSubmission(r.pool.QueryRow(ctx,
		`SELECT `+submissionColumns+`
		 FROM submissions
		 WHERE response_id = $1 AND form_id = $2`, responseID, formID,
	))
}

// Create inserts a new draft submission. The DB assigns response_id and the
// authoritative start_time. A concurrent duplicate insert yields pgx.ErrNoRows
// via ON CONFLICT DO NOTHING; callers refetch in that case.
func (r *SubmissionRepository) Create(ctx context.Context, s *model.Submission) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO submissions (form_id, candidate_email, value, status)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (form_id, candidate_email) DO NOTHING
		 RETURNING response_id, start_time, created_at, updated_at`,
		s.FormID, s.CandidateEmail, s.Value, model.SubmissionStatusDraft,
	).Scan(&s.ResponseID, &s.StartTime, &s.CreatedAt, &s.UpdatedAt)
}

// UpdateDraft writes the answer payload (and optional remarks) of a draft.
// Returns false when the submission is already terminal: the guarded WHERE
// makes terminal states immutable at the SQL level.
func (r *SubmissionRepository) UpdateDraft(ctx context.Context, formID uuid.UUID, email string, value json.RawMessage, remarks *string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE submissions
		 SET value = COALESCE($1, value),
		     remarks = COALESCE($2, remarks),
		     updated_at = NOW()
		 WHERE form_id = $3 AND candidate_email = $4 AND status = $5`,
		value, remarks, formID, email, model.SubmissionStatusDraft)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Finalize transitions a draft to a terminal status, recording end time and
// elapsed duration. Returns false when no draft row matched (the submission
// was already finalized by a concurrent caller).
func (r *SubmissionRepository) Finalize(ctx context.Context, formID uuid.UUID, email string, status model.SubmissionStatus, value json.RawMessage, elapsedSeconds int, remarks *string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE submissions
		 SET status = $1,
		     value = COALESCE($2, value),
		     end_time = NOW(),
		     elapsed_seconds = GREATEST(elapsed_seconds, $3),
		     remarks = COALESCE($4, remarks),
		     updated_at = NOW()
		 WHERE form_id = $5 AND candidate_email = $6 AND status = $7`,
		status, value, elapsedSeconds, remarks, formID, email, model.SubmissionStatusDraft)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// IncrementWarnings atomically bumps the warning count and returns the new
// value. The increment is unconditional on status: warning evidence is
// security-relevant and stays monotonic even after termination.
func (r *SubmissionRepository) IncrementWarnings(ctx context.Context, formID uuid.UUID, email string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`UPDATE submissions
		 SET warnings = warnings + 1, updated_at = NOW()
		 WHERE form_id = $1 AND candidate_email = $2
		 RETURNING warnings`,
		formID, email,
	).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}
