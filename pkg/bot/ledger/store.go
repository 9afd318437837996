package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/voxgate/voxgate/pkg/bot/core"
)

// Record is one append-only usage event as persisted.
type Record struct {
	User  core.UserID
	Day   string
	Month string
	Delta Metrics
	At    time.Time
}

// Store persists usage records so the ledger survives restarts. In-memory
// accumulation stays authoritative within a process; the store only seeds
// the current period at startup.
type Store interface {
	Append(rec Record) error
	LoadCurrent(day, month string) (days, months map[core.UserID]Metrics, err error)
	Close() error
}

type SQLStore struct {
	db *sql.DB
}

func OpenSQLStore(path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create ledger db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure ledger db: %w", err)
		}
	}
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		day TEXT NOT NULL,
		month TEXT NOT NULL,
		tokens INTEGER NOT NULL DEFAULT 0,
		transcription_seconds REAL NOT NULL DEFAULT 0,
		tts_characters INTEGER NOT NULL DEFAULT 0,
		images INTEGER NOT NULL DEFAULT 0,
		recorded_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_day ON usage_records(day);
	CREATE INDEX IF NOT EXISTS idx_usage_month ON usage_records(month);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Append(rec Record) error {
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO usage_records
			(user_id, day, month, tokens, transcription_seconds, tts_characters, images, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(rec.User), rec.Day, rec.Month,
		rec.Delta.Tokens, rec.Delta.TranscriptionSeconds, rec.Delta.TTSCharacters, rec.Delta.Images,
		rec.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}
	return nil
}

func (s *SQLStore) LoadCurrent(day, month string) (map[core.UserID]Metrics, map[core.UserID]Metrics, error) {
	days, err := s.aggregate("day", day)
	if err != nil {
		return nil, nil, err
	}
	months, err := s.aggregate("month", month)
	if err != nil {
		return nil, nil, err
	}
	return days, months, nil
}

func (s *SQLStore) aggregate(column, key string) (map[core.UserID]Metrics, error) {
	// column is always "day" or "month"; never caller-supplied.
	query := fmt.Sprintf(`
		SELECT user_id,
			COALESCE(SUM(tokens), 0),
			COALESCE(SUM(transcription_seconds), 0),
			COALESCE(SUM(tts_characters), 0),
			COALESCE(SUM(images), 0)
		FROM usage_records WHERE %s = ? GROUP BY user_id`, column)

	rows, err := s.db.QueryContext(context.Background(), query, key)
	if err != nil {
		return nil, fmt.Errorf("load usage aggregates: %w", err)
	}
	defer rows.Close()

	out := make(map[core.UserID]Metrics)
	for rows.Next() {
		var user int64
		var m Metrics
		if err := rows.Scan(&user, &m.Tokens, &m.TranscriptionSeconds, &m.TTSCharacters, &m.Images); err != nil {
			return nil, fmt.Errorf("scan usage aggregate: %w", err)
		}
		out[core.UserID(user)] = m
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	_, _ = s.db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}
