package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/caredesk/telemed/internal/config"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Recording is a persisted consultation recording.
type Recording struct {
	ID           string    `db:"id"`
	RoomID       string    `db:"room_id"`
	ObjectKey    string    `db:"object_key"`
	RenditionKey string    `db:"rendition_key"`
	MimeType     string    `db:"mime_type"`
	Status       string    `db:"status"`
	StartedAt    time.Time `db:"started_at"`
	DurationMS   int64     `db:"duration_ms"`
	SizeBytes    int64     `db:"size_bytes"`
	CreatedAt    time.Time `db:"created_at"`
}

// ConsultationNote is the transcript filed for a room, possibly built from
// the chat fallback.
type ConsultationNote struct {
	ID         string    `db:"id"`
	RoomID     string    `db:"room_id"`
	Transcript string    `db:"transcript"`
	Fallback   bool      `db:"fallback"`
	CreatedAt  time.Time `db:"created_at"`
}

// MedicalNote is a clinical summary generated on request.
type MedicalNote struct {
	ID        string    `db:"id"`
	RoomID    string    `db:"room_id"`
	Summary   string    `db:"summary"`
	CreatedAt time.Time `db:"created_at"`
}

// PostgresStore persists recording metadata and notes.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresStore connects, configures the pool and ensures the schema.
func NewPostgresStore(cfg config.PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{db: db, logger: logger.Named("postgres")}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE EXTENSION IF NOT EXISTS "uuid-ossp";

	CREATE TABLE IF NOT EXISTS recordings (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		room_id VARCHAR(255) NOT NULL,
		object_key VARCHAR(500) NOT NULL,
		rendition_key VARCHAR(500) NOT NULL DEFAULT '',
		mime_type VARCHAR(100) NOT NULL,
		status VARCHAR(20) NOT NULL CHECK (status IN ('recording', 'stopped', 'uploading', 'transcribed', 'noted', 'failed')),
		started_at TIMESTAMPTZ NOT NULL,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		size_bytes BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_recordings_room ON recordings(room_id);

	CREATE TABLE IF NOT EXISTS consultation_notes (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		room_id VARCHAR(255) NOT NULL,
		transcript TEXT NOT NULL,
		fallback BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_consultation_notes_room ON consultation_notes(room_id);

	CREATE TABLE IF NOT EXISTS medical_notes (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		room_id VARCHAR(255) NOT NULL,
		summary TEXT NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_medical_notes_room ON medical_notes(room_id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return nil
}

// SaveRecording inserts the recording row and fills in its generated ID.
func (s *PostgresStore) SaveRecording(ctx context.Context, r *Recording) error {
	query := `
		INSERT INTO recordings (room_id, object_key, mime_type, status, started_at, duration_ms, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`
	err := s.db.QueryRowxContext(ctx, query,
		r.RoomID, r.ObjectKey, r.MimeType, r.Status, r.StartedAt, r.DurationMS, r.SizeBytes,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save recording: %w", err)
	}
	return nil
}

// GetRecording loads one recording by ID.
func (s *PostgresStore) GetRecording(ctx context.Context, id string) (*Recording, error) {
	var r Recording
	err := s.db.GetContext(ctx, &r, `SELECT * FROM recordings WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recording %s: %w", id, err)
	}
	return &r, nil
}

// UpdateRecordingStatus advances the lifecycle column.
func (s *PostgresStore) UpdateRecordingStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update recording status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRenditionKey records where the transcoded copy landed.
func (s *PostgresStore) SetRenditionKey(ctx context.Context, id, key string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET rendition_key = $1 WHERE id = $2`, key, id)
	if err != nil {
		return fmt.Errorf("failed to set rendition key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecordingsByRoom returns a room's recordings, newest first.
func (s *PostgresStore) ListRecordingsByRoom(ctx context.Context, roomID string) ([]*Recording, error) {
	var out []*Recording
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM recordings WHERE room_id = $1 ORDER BY created_at DESC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings for room %s: %w", roomID, err)
	}
	return out, nil
}

// SaveConsultationNote files a transcript against a room.
func (s *PostgresStore) SaveConsultationNote(ctx context.Context, n *ConsultationNote) error {
	query := `
		INSERT INTO consultation_notes (room_id, transcript, fallback)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`
	err := s.db.QueryRowxContext(ctx, query, n.RoomID, n.Transcript, n.Fallback).
		Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save consultation note: %w", err)
	}
	return nil
}

// SaveMedicalNote files a clinical summary against a room.
func (s *PostgresStore) SaveMedicalNote(ctx context.Context, n *MedicalNote) error {
	query := `
		INSERT INTO medical_notes (room_id, summary)
		VALUES ($1, $2)
		RETURNING id, created_at`
	err := s.db.QueryRowxContext(ctx, query, n.RoomID, n.Summary).
		Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save medical note: %w", err)
	}
	return nil
}

// HealthCheck verifies database connectivity.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
