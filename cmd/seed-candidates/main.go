package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oemslab/oems-backend/internal/config"
	"github.com/oemslab/oems-backend/internal/database"
	"github.com/oemslab/oems-backend/internal/logger"
	"github.com/oemslab/oems-backend/internal/model"
	"github.com/oemslab/oems-backend/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

// Seeds a published demo form plus 50 candidates on its roster. All seeded
// candidates share the password "oems-demo".
func main() {
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	candidateRepo := repository.NewCandidateRepository(pool)

	fmt.Println("=== Seeding 50 Candidates ===")

	const formTitle = "General Knowledge Assessment"

	// Find or create the demo form.
	var form model.Form
	err = pool.QueryRow(ctx,
		`SELECT id, title, duration_seconds, max_warnings, status
		 FROM forms WHERE title = $1`, formTitle,
	).Scan(&form.ID, &form.Title, &form.DurationSeconds, &form.MaxWarnings, &form.Status)

	if err != nil {
		if err == pgx.ErrNoRows {
			fmt.Println("Demo form not found. Creating it...")
			err = pool.QueryRow(ctx,
				`INSERT INTO forms (title, description, duration_seconds, max_warnings, status)
				 VALUES ($1, $2, $3, $4, $5)
				 RETURNING id`,
				formTitle, "Seeded demo exam", 1800, 3, model.FormStatusPublished,
			).Scan(&form.ID)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to create demo form")
			}
			fmt.Printf("Created form with ID: %s\n", form.ID)
		} else {
			log.Fatal().Err(err).Msg("Failed to check existing form")
		}
	} else {
		fmt.Printf("Found existing form with ID: %s\n", form.ID)
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte("oems-demo"), cfg.BcryptCost)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to hash seed password")
	}

	names := []string{
		"Alice Johnson", "Brian Smith", "Carla Mendes", "Daniel Okafor", "Elena Petrova",
		"Farid Rahman", "Grace Liu", "Hassan Ali", "Ingrid Olsen", "Jorge Ramirez",
		"Katya Ivanova", "Liam Murphy", "Mei Tanaka", "Noah Fischer", "Olga Kowalska",
		"Pedro Alvarez", "Quinn Taylor", "Rania Haddad", "Samuel Boateng", "Tara Singh",
		"Umar Farouk", "Valeria Rossi", "Wei Zhang", "Ximena Torres", "Yusuf Demir",
		"Zofia Nowak", "Aaron Cohen", "Bianca Silva", "Collin Dube", "Diana Moreau",
		"Emil Andersen", "Fatima Zahra", "Gustavo Lima", "Hana Kim", "Ivan Horvat",
		"Julia Weber", "Kofi Mensah", "Leila Nasser", "Marco Bianchi", "Nadia Saleh",
		"Omar Khalil", "Priya Patel", "Rasmus Berg", "Sofia Garcia", "Tomas Novak",
		"Uma Krishnan", "Viktor Olah", "Wanda Jelinek", "Yara Haddad", "Zane Brooks",
	}

	successCount := 0
	for i, name := range names {
		cand := &model.Candidate{
			Email:        fmt.Sprintf("candidate%d@example.com", i+1),
			Name:         name,
			PasswordHash: string(hashedPassword),
			FormID:       form.ID,
		}

		if err := candidateRepo.Create(ctx, cand); err != nil {
			fmt.Printf("Error creating candidate %s (%s): %v\n", cand.Name, cand.Email, err)
		} else {
			successCount++
			if (i+1)%10 == 0 {
				fmt.Printf("Created %d candidates...\n", i+1)
			}
		}
	}

	fmt.Printf("\nSeed completed! Successfully added %d/50 candidates.\n", successCount)
}
