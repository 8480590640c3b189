// Package history provides PostgreSQL-backed storage for completed matches.
// Each row links the paired users to the collaboration session that was
// created for them. Rows are append-only; this service never updates or
// deletes a match record.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Match is one completed pairing, written exactly once per successful match.
type Match struct {
	MatchID    string
	User1ID    string
	User2ID    string
	Category   string
	Complexity string
	SessionID  string
	CreatedAt  time.Time
}

// Store manages match records in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL with the given DSN, verifies the connection,
// and applies pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: postgres connection failed: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return NewStore(db), nil
}

// NewStore creates a match history store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts a completed match.
func (s *Store) Record(ctx context.Context, m *Match) error {
	const query = `
		INSERT INTO matches (match_id, user1_id, user2_id, category, complexity, session_id)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		m.MatchID,
		m.User1ID,
		m.User2ID,
		m.Category,
		m.Complexity,
		m.SessionID,
	)
	if err != nil {
		return fmt.Errorf("history: insert match %s: %w", m.MatchID, err)
	}
	return nil
}

// RecentByUser returns the user's most recent matches, newest first.
func (s *Store) RecentByUser(ctx context.Context, userID string, limit int) ([]Match, error) {
	const query = `
		SELECT match_id, user1_id, user2_id, category, complexity, session_id, created_at
		FROM matches
		WHERE user1_id = $1 OR user2_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.MatchID, &m.User1ID, &m.User2ID, &m.Category, &m.Complexity, &m.SessionID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate matches: %w", err)
	}
	return matches, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
