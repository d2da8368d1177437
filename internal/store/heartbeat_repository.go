package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HeartbeatRepository writes the heartbeat rows a separate monitor
// consumes. The engine never blocks the UI; a missed tick surfaces to the
// monitor as a stale heartbeat.
type HeartbeatRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewHeartbeatRepository creates a heartbeat repository.
func NewHeartbeatRepository(db *sql.DB, log zerolog.Logger) *HeartbeatRepository {
	return &HeartbeatRepository{
		db:  db,
		log: log.With().Str("repo", "heartbeat").Logger(),
	}
}

// Append writes one heartbeat row. level must be info, warn or error.
func (r *HeartbeatRepository) Append(level, message, detail string) error {
	_, err := r.db.Exec(
		`INSERT INTO heartbeat (id, level, message, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), level, message, detail, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append heartbeat: %w", err)
	}
	return nil
}
