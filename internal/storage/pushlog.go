// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DefaultRecentLimit is used when Recent is called with a non-positive limit.
const DefaultRecentLimit = 50

// ErrClosed is returned after Close.
var ErrClosed = errors.New("push log closed")

const schema = `
CREATE TABLE IF NOT EXISTS pushes (
	id         TEXT PRIMARY KEY,
	issue_key  TEXT NOT NULL,
	story      TEXT NOT NULL,
	tags       TEXT NOT NULL DEFAULT '',
	pushed_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pushes_pushed_at ON pushes(pushed_at DESC);
`

// tagSeparator joins tags in the tags column. Tags never contain it after
// normalization.
const tagSeparator = "\x1f"

// PushRecord is one issue created from one user story.
type PushRecord struct {
	ID       string    `json:"id"`
	IssueKey string    `json:"issue_key"`
	Story    string    `json:"story"`
	Tags     []string  `json:"tags"`
	PushedAt time.Time `json:"pushed_at"`
}

// PushLog is the SQLite-backed push history. It is safe for concurrent use.
type PushLog struct {
	db *sql.DB
}

// Open opens or creates the push log at path. Use ":memory:" for tests.
func Open(path string) (*PushLog, error) {
	if path == "" {
		return nil, errors.New("push log path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &PushLog{db: db}, nil
}

// RecordPushes stores records in one transaction. Missing IDs and
// timestamps are filled in.
func (l *PushLog) RecordPushes(ctx context.Context, records []PushRecord) error {
	if l == nil || l.db == nil {
		return ErrClosed
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO pushes (id, issue_key, story, tags, pushed_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range records {
		r := &records[i]
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.PushedAt.IsZero() {
			r.PushedAt = now
		}
		if r.IssueKey == "" {
			return fmt.Errorf("record %d: issue key is empty", i)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.IssueKey, r.Story,
			strings.Join(r.Tags, tagSeparator), r.PushedAt.UnixMilli()); err != nil {
			return fmt.Errorf("failed to insert %s: %w", r.IssueKey, err)
		}
	}

	return tx.Commit()
}

// Recent returns up to limit records, newest first.
func (l *PushLog) Recent(ctx context.Context, limit int) ([]PushRecord, error) {
	if l == nil || l.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	rows, err := l.db.QueryContext(ctx,
		"SELECT id, issue_key, story, tags, pushed_at FROM pushes ORDER BY pushed_at DESC, rowid DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pushes: %w", err)
	}
	defer rows.Close()

	var out []PushRecord
	for rows.Next() {
		var (
			r    PushRecord
			tags string
			ms   int64
		)
		if err := rows.Scan(&r.ID, &r.IssueKey, &r.Story, &tags, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan push: %w", err)
		}
		if tags != "" {
			r.Tags = strings.Split(tags, tagSeparator)
		}
		r.PushedAt = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of recorded pushes.
func (l *PushLog) Count(ctx context.Context) (int, error) {
	if l == nil || l.db == nil {
		return 0, ErrClosed
	}
	var n int
	err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pushes").Scan(&n)
	return n, err
}

// Close closes the database. It is safe to call more than once.
func (l *PushLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}
