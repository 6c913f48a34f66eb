package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CycleAudit records the outcome of one service cycle.
type CycleAudit struct {
	ID         string            `json:"id"`
	Trigger    string            `json:"trigger"` // "ticker", "folder", "manual", ...
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Items      int               `json:"items"`
	Extracted  int               `json:"extracted"`
	Stored     int               `json:"stored"`
	Matches    int               `json:"matches"`
	Removed    int64             `json:"removed"`
	Errors     []string          `json:"errors,omitempty"`
	Sources    map[string]int    `json:"sources,omitempty"` // items per source
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (s *Store) setupAuditTables() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS cycle_audit (
			id TEXT PRIMARY KEY,
			trigger_name TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			items INTEGER NOT NULL DEFAULT 0,
			extracted INTEGER NOT NULL DEFAULT 0,
			stored INTEGER NOT NULL DEFAULT 0,
			matches INTEGER NOT NULL DEFAULT 0,
			removed INTEGER NOT NULL DEFAULT 0,
			details TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cycle_audit_started_at ON cycle_audit(started_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute audit migration: %w", err)
		}
	}
	return nil
}

type auditDetails struct {
	Errors   []string          `json:"errors,omitempty"`
	Sources  map[string]int    `json:"sources,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// AddCycleAudit stores a cycle report and returns its id.
func (s *Store) AddCycleAudit(ctx context.Context, entry CycleAudit) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = s.now()
	}
	if entry.FinishedAt.IsZero() {
		entry.FinishedAt = s.now()
	}

	detailsJSON, err := json.Marshal(auditDetails{
		Errors:   entry.Errors,
		Sources:  entry.Sources,
		Metadata: entry.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal audit details: %w", err)
	}

	query := `INSERT INTO cycle_audit (
		id, trigger_name, started_at, finished_at, items, extracted, stored, matches, removed, details
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		entry.ID, entry.Trigger, toMillis(entry.StartedAt), toMillis(entry.FinishedAt),
		entry.Items, entry.Extracted, entry.Stored, entry.Matches, entry.Removed,
		string(detailsJSON))
	if err != nil {
		return "", fmt.Errorf("failed to insert cycle audit: %w", err)
	}

	return entry.ID, nil
}

// GetCycleAudits returns the newest cycle reports first.
func (s *Store) GetCycleAudits(ctx context.Context, limit int) ([]CycleAudit, error) {
	query := `SELECT id, trigger_name, started_at, finished_at, items, extracted, stored, matches, removed, details
		FROM cycle_audit ORDER BY started_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycle audits: %w", err)
	}
	defer rows.Close()

	var entries []CycleAudit
	for rows.Next() {
		var (
			entry               CycleAudit
			startedAt, finished int64
			detailsJSON         string
		)
		err := rows.Scan(&entry.ID, &entry.Trigger, &startedAt, &finished,
			&entry.Items, &entry.Extracted, &entry.Stored, &entry.Matches, &entry.Removed, &detailsJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cycle audit: %w", err)
		}
		entry.StartedAt = fromMillis(startedAt)
		entry.FinishedAt = fromMillis(finished)

		var details auditDetails
		if err := json.Unmarshal([]byte(detailsJSON), &details); err != nil {
			// Keep the row readable even if details were hand-edited.
			entry.Metadata = map[string]string{"raw": detailsJSON}
		} else {
			entry.Errors = details.Errors
			entry.Sources = details.Sources
			entry.Metadata = details.Metadata
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cycle audits: %w", err)
	}

	return entries, nil
}
