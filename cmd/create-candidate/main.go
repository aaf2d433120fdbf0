package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/oemslab/oems-backend/internal/config"
	"github.com/oemslab/oems-backend/internal/database"
	"github.com/oemslab/oems-backend/internal/logger"
	"github.com/oemslab/oems-backend/internal/model"
	"github.com/oemslab/oems-backend/internal/repository"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	candidateRepo := repository.NewCandidateRepository(pool)
	formRepo := repository.NewFormRepository(pool)

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("=== Create New Candidate ===")

	// Name
	fmt.Print("Enter Name: ")
	name, _ := reader.ReadString('\n')
	name = strings.TrimSpace(name)
	if name == "" {
		fmt.Println("Error: Name is required")
		return
	}

	// Email
	fmt.Print("Enter Email: ")
	email, _ := reader.ReadString('\n')
	email = strings.TrimSpace(email)
	if email == "" {
		fmt.Println("Error: Email is required")
		return
	}

	// Form ID
	fmt.Print("Enter Form ID (UUID): ")
	formIDStr, _ := reader.ReadString('\n')
	formID, err := uuid.Parse(strings.TrimSpace(formIDStr))
	if err != nil {
		fmt.Println("Error: Form ID must be a valid UUID")
		return
	}
	if _, err := formRepo.GetByID(ctx, formID); err != nil {
		fmt.Println("Error: Form not found")
		return
	}

	// Password
	fmt.Print("Enter Password: ")
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		fmt.Println("\nError reading password")
		return
	}
	password := string(bytePassword)
	fmt.Println() // Newline after password input
	if len(password) < 6 {
		fmt.Println("Error: Password must be at least 6 characters")
		return
	}

	// ─── Logic ─────────────────────────────────────────────────────────

	// Hash Password
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), cfg.BcryptCost)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to hash password")
	}

	cand := &model.Candidate{
		Email:        email,
		Name:         name,
		PasswordHash: string(hashedPassword),
		FormID:       formID,
	}

	if err := candidateRepo.Create(ctx, cand); err != nil {
		log.Fatal().Err(err).Msg("Failed to create candidate")
	}

	fmt.Printf("\nSuccess! Candidate '%s' (%s) created with ID: %d\n", cand.Name, cand.Email, cand.ID)
}
