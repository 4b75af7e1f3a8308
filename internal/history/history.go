package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	defaultLimit = 50
	maxLimit     = 500
)

type Entry struct {
	ID             int64     `json:"id"`
	Filename       string    `json:"filename"`
	Prompt         string    `json:"prompt"`
	NegativePrompt string    `json:"negative_prompt"`
	ModelName      string    `json:"model_name"`
	ModelType      string    `json:"model_type"`
	LoraName       string    `json:"lora_name,omitempty"`
	LoraWeight     float64   `json:"lora_weight,omitempty"`
	Seed           uint32    `json:"seed"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	Steps          int       `json:"steps"`
	Guidance       float64   `json:"guidance"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	CreatedAt      time.Time `json:"created_at"`
}

type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open migrates the database at path to the latest schema and returns a store.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if err := migrateUp(path); err != nil {
		return nil, err
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, logger: log.With("component", "history")}, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// migrateUp uses its own connection; closing the migrator closes it.
func migrateUp(path string) error {
	db, err := openDB(path)
	if err != nil {
		return err
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{DatabaseName: "main"})
	if err != nil {
		db.Close()
		return fmt.Errorf("sqlite migrate driver: %w", err)
	}
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		db.Close()
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		db.Close()
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generations (filename, prompt, negative_prompt, model_name, model_type, lora_name, lora_weight,
			seed, width, height, steps, guidance, elapsed_seconds, created_at, created_unix_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(filename) DO UPDATE SET
			prompt = excluded.prompt,
			negative_prompt = excluded.negative_prompt,
			model_name = excluded.model_name,
			model_type = excluded.model_type,
			lora_name = excluded.lora_name,
			lora_weight = excluded.lora_weight,
			seed = excluded.seed,
			width = excluded.width,
			height = excluded.height,
			steps = excluded.steps,
			guidance = excluded.guidance,
			elapsed_seconds = excluded.elapsed_seconds,
			created_at = excluded.created_at,
			created_unix_ns = excluded.created_unix_ns`,
		e.Filename, e.Prompt, e.NegativePrompt, e.ModelName, e.ModelType, e.LoraName, e.LoraWeight,
		int64(e.Seed), e.Width, e.Height, e.Steps, e.Guidance, e.ElapsedSeconds,
		e.CreatedAt.UTC().Format(time.RFC3339Nano), e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record generation %s: %w", e.Filename, err)
	}
	return nil
}

// List returns the newest entries first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, filename, prompt, negative_prompt, model_name, model_type, lora_name, lora_weight,
			seed, width, height, steps, guidance, elapsed_seconds, created_unix_ns
		FROM generations
		ORDER BY created_unix_ns DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e       Entry
			seed    int64
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Filename, &e.Prompt, &e.NegativePrompt, &e.ModelName, &e.ModelType,
			&e.LoraName, &e.LoraWeight, &seed, &e.Width, &e.Height, &e.Steps, &e.Guidance, &e.ElapsedSeconds, &created); err != nil {
			return nil, err
		}
		e.Seed = uint32(seed)
		e.CreatedAt = time.Unix(0, created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteByFilename reports whether a row was removed.
func (s *Store) DeleteByFilename(ctx context.Context, filename string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM generations WHERE filename = ?`, filename)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		s.logger.Debug("history row removed", "filename", filename)
	}
	return n > 0, nil
}
