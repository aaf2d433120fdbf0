package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/oemslab/oems-backend/internal/config"
	"github.com/oemslab/oems-backend/internal/model"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

// CandidateDirectory is the candidate lookup surface AuthService needs.
type CandidateDirectory interface {
	GetByEmailAndForm(ctx context.Context, email string, formID uuid.UUID) (*model.Candidate, error)
}

// FormDirectory is the form lookup surface AuthService needs.
type FormDirectory interface {
	GetByID(ctx context.Context, formID uuid.UUID) (*model.Form, error)
}

// Claims extends JWT standard claims with candidate-specific fields. A token
// is scoped to exactly one form: the exam the candidate logged in for.
type Claims struct {
	jwt.RegisteredClaims
	Email  string `json:"email"`
	FormID string `json:"form_id"`
}

// AuthService handles candidate authentication, JWT issuance, and the
// single-device session registry in Redis.
type AuthService struct {
	cfg        *config.Config
	rdb        *redis.Client
	candidates CandidateDirectory
	forms      FormDirectory
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config, rdb *redis.Client, candidates CandidateDirectory, forms FormDirectory) *AuthService {
	return &AuthService{cfg: cfg, rdb: rdb, candidates: candidates, forms: forms}
}

// HashPassword hashes a password with the configured bcrypt cost.
// Default cost is 6 for high-concurrency performance. Adjustable via BCRYPT_COST env.
func (s *AuthService) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	return string(hash), err
}

// CheckPassword compares a plaintext password against a bcrypt hash.
func (s *AuthService) CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// Login authenticates a candidate against a specific form and issues a JWT.
// The candidate must be on the form's roster and the form must be published.
// A second login while a session is active is rejected (single device).
func (s *AuthService) Login(ctx context.Context, email, password string, formID uuid.UUID) (*model.Candidate, string, error) {
	cand, err := s.candidates.GetByEmailAndForm(ctx, email, formID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", ErrNotEligible
		}
		return nil, "", Transient(fmt.Errorf("lookup candidate: %w", err))
	}

	if err := s.CheckPassword(cand.PasswordHash, password); err != nil {
		return nil, "", err
	}

	form, err := s.forms.GetByID(ctx, formID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", ErrFormNotAvailable
		}
		return nil, "", Transient(fmt.Errorf("lookup form: %w", err))
	}
	if form.Status != model.FormStatusPublished {
		return nil, "", ErrFormNotAvailable
	}

	token, err := s.generateToken(ctx, cand.Email, formID)
	if err != nil {
		return nil, "", err
	}
	return cand, token, nil
}

// generateToken creates a candidate JWT and registers the session in Redis.
// Returns ErrSessionAlreadyActive if a session already exists.
func (s *AuthService) generateToken(ctx context.Context, email string, formID uuid.UUID) (string, error) {
	sessionKey := config.CacheKey.CandidateSessionKey(email)

	existing, err := s.rdb.Get(ctx, sessionKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", Transient(fmt.Errorf("check session: %w", err))
	}
	if existing != "" {
		return "", ErrSessionAlreadyActive
	}

	jti := uuid.New().String()
	now := time.Now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTExpiry)),
		},
		Email:  email,
		FormID: formID.String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	// Store session in Redis with same expiry as JWT.
	if err := s.rdb.Set(ctx, sessionKey, jti, s.cfg.JWTExpiry).Err(); err != nil {
		return "", Transient(fmt.Errorf("store session: %w", err))
	}

	return signed, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

// ValidateSession checks that the token's JTI matches the active session in Redis.
func (s *AuthService) ValidateSession(ctx context.Context, email, jti string) error {
	sessionKey := config.CacheKey.CandidateSessionKey(email)
	stored, err := s.rdb.Get(ctx, sessionKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return errors.New("no active session")
		}
		return Transient(fmt.Errorf("check session: %w", err))
	}
	if stored != jti {
		return errors.New("session invalidated")
	}
	return nil
}

// CheckAuth resolves the SessionStore contract: given a raw bearer token (may
// be empty) and an optional form scope, it reports {authorized, email}. Every
// failure path resolves to authorized=false — authentication problems are
// recovered locally, never surfaced as raw errors.
func (s *AuthService) CheckAuth(ctx context.Context, tokenStr string, formID string) model.AuthCheckResponse {
	unauthorized := model.AuthCheckResponse{Authorized: false, Email: ""}

	if tokenStr == "" {
		return unauthorized
	}
	claims, err := s.ValidateToken(tokenStr)
	if err != nil {
		return unauthorized
	}
	if err := s.ValidateSession(ctx, claims.Email, claims.ID); err != nil {
		return unauthorized
	}
	// Authorization is exam-scoped: a token for form A grants nothing on form B.
	if formID != "" && formID != claims.FormID {
		return unauthorized
	}
	return model.AuthCheckResponse{Authorized: true, Email: claims.Email}
}

// Logout removes a candidate's session from Redis, invalidating the token's JTI.
func (s *AuthService) Logout(ctx context.Context, email string) error {
	sessionKey := config.CacheKey.CandidateSessionKey(email)
	return s.rdb.Del(ctx, sessionKey).Err()
}
