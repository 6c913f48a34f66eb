package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Ashfaaq98/iocwatch/internal/ioc"
)

// SQLite caps bound parameters per statement; stay well below the old 999 limit.
const lookupChunkSize = 500

// Record is a persisted IOC row.
type Record struct {
	ID         int64     `json:"id"`
	Type       ioc.Type  `json:"type"`
	Value      string    `json:"value"`
	Source     string    `json:"source"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	Confidence float64   `json:"confidence"`
	Context    string    `json:"context,omitempty"`
	HitCount   int64     `json:"hit_count"`
}

// LookupResult is the subset of a Record the correlator needs.
type LookupResult struct {
	ID         int64   `json:"id"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

const upsertIOC = `INSERT INTO iocs (type, value, source, first_seen, last_seen, confidence, context, hit_count)
	VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	ON CONFLICT(type, value) DO UPDATE SET
		last_seen = MAX(last_seen, excluded.last_seen),
		confidence = MAX(confidence, excluded.confidence),
		context = COALESCE(context, excluded.context),
		source = CASE
			WHEN instr(',' || source || ',', ',' || excluded.source || ',') > 0 THEN source
			ELSE source || ',' || excluded.source
		END`

// AddIOCs upserts iocs in a single transaction and returns how many were
// written. Rows with an unknown type or empty value are skipped.
func (s *Store) AddIOCs(ctx context.Context, iocs []ioc.IOC) (int, error) {
	if len(iocs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin tx: %w", err)
	}
	rollback := func(e error) error {
		_ = tx.Rollback()
		return e
	}

	stmt, err := tx.PrepareContext(ctx, upsertIOC)
	if err != nil {
		return 0, rollback(fmt.Errorf("failed to prepare upsert: %w", err))
	}
	defer stmt.Close()

	now := toMillis(s.now())
	processed := 0
	for _, item := range iocs {
		value := ioc.Normalize(item.Type, item.Value)
		if !item.Type.Valid() || value == "" {
			s.logger.Warnf("skipping invalid IOC type=%q value=%q", item.Type, item.Value)
			continue
		}
		source := sourceName(item.Source)
		confidence := math.Max(0, math.Min(1, item.Confidence))

		if _, err := stmt.ExecContext(ctx, string(item.Type), value, source, now, now, confidence, nullString(item.Context)); err != nil {
			return 0, rollback(fmt.Errorf("failed to upsert %s %s: %w", item.Type, value, err))
		}
		processed++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit IOC batch: %w", err)
	}
	return processed, nil
}

// sourceName cleans a source for the comma-separated source column. Commas
// inside a name become semicolons so one name never reads as two.
func sourceName(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ";"))
	if strings.Trim(s, "; ") == "" {
		return "unknown"
	}
	return s
}

// Lookup returns the stored IOC for (t, value), if any.
func (s *Store) Lookup(ctx context.Context, t ioc.Type, value string) (LookupResult, bool, error) {
	var res LookupResult
	err := s.db.QueryRowContext(ctx,
		`SELECT id, confidence, source FROM iocs WHERE type = ? AND value = ?`,
		string(t), ioc.Normalize(t, value),
	).Scan(&res.ID, &res.Confidence, &res.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return LookupResult{}, false, nil
	}
	if err != nil {
		return LookupResult{}, false, fmt.Errorf("failed to lookup %s %s: %w", t, value, err)
	}
	return res, true, nil
}

// GetRecord returns the full row for (t, value).
func (s *Store) GetRecord(ctx context.Context, t ioc.Type, value string) (Record, bool, error) {
	rows, err := s.db.QueryContext(ctx, selectRecord+` WHERE type = ? AND value = ?`, string(t), ioc.Normalize(t, value))
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to query IOC: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return Record{}, false, err
	}
	if len(records) == 0 {
		return Record{}, false, nil
	}
	return records[0], true, nil
}

// BulkLookup resolves many values of one type at once. Values are
// normalized first and the result is keyed by normalized value. All chunks
// are read inside one transaction so they observe the same snapshot.
func (s *Store) BulkLookup(ctx context.Context, t ioc.Type, values []string) (map[string]LookupResult, error) {
	result := make(map[string]LookupResult)

	seen := make(map[string]struct{}, len(values))
	normalized := make([]string, 0, len(values))
	for _, v := range values {
		n := ioc.Normalize(t, v)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		normalized = append(normalized, n)
	}
	if len(normalized) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for start := 0; start < len(normalized); start += lookupChunkSize {
		end := start + lookupChunkSize
		if end > len(normalized) {
			end = len(normalized)
		}
		chunk := normalized[start:end]

		args := make([]interface{}, 0, len(chunk)+1)
		args = append(args, string(t))
		for _, v := range chunk {
			args = append(args, v)
		}
		placeholders := strings.TrimRight(strings.Repeat("?,", len(chunk)), ",")
		query := `SELECT id, value, confidence, source FROM iocs WHERE type = ? AND value IN (` + placeholders + `)`

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to bulk lookup %s: %w", t, err)
		}
		for rows.Next() {
			var (
				value string
				res   LookupResult
			)
			if err := rows.Scan(&res.ID, &value, &res.Confidence, &res.Source); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan lookup row: %w", err)
			}
			result[value] = res
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to iterate lookup rows: %w", err)
		}
		rows.Close()
	}

	return result, nil
}

// ListIOCs returns IOCs ordered by most recently seen. An empty t lists all
// types; limit <= 0 means no limit.
func (s *Store) ListIOCs(ctx context.Context, t ioc.Type, limit int) ([]Record, error) {
	query := selectRecord + ` WHERE 1=1`
	args := []interface{}{}
	if t != "" {
		query += ` AND type = ?`
		args = append(args, string(t))
	}
	query += ` ORDER BY last_seen DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query IOCs: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// CleanupOldIOCs deletes IOCs whose last_seen is strictly older than the
// retention window and returns the number removed. Match history is kept.
func (s *Store) CleanupOldIOCs(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-time.Duration(s.retentionDays) * 24 * time.Hour)

	res, err := s.db.ExecContext(ctx, `DELETE FROM iocs WHERE last_seen < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old IOCs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count removed IOCs: %w", err)
	}
	if n > 0 {
		s.logger.Infof("removed %d IOCs not seen since %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}

const selectRecord = `SELECT id, type, value, source, first_seen, last_seen, confidence, context, hit_count FROM iocs`

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var (
			r                   Record
			typ                 string
			firstSeen, lastSeen int64
			snippet             sql.NullString
		)
		if err := rows.Scan(&r.ID, &typ, &r.Value, &r.Source, &firstSeen, &lastSeen, &r.Confidence, &snippet, &r.HitCount); err != nil {
			return nil, fmt.Errorf("failed to scan IOC: %w", err)
		}
		r.Type = ioc.Type(typ)
		r.FirstSeen = fromMillis(firstSeen)
		r.LastSeen = fromMillis(lastSeen)
		r.Context = snippet.String
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate IOCs: %w", err)
	}
	return records, nil
}
