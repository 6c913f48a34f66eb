package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Ashfaaq98/iocwatch/internal/ioc"
)

// DefaultRecentMatches is the listing size used when no limit is given.
const DefaultRecentMatches = 100

// MatchInput describes one observed occurrence of a stored IOC.
type MatchInput struct {
	IOCID        int64
	LogType      string
	MatchedValue string
	Context      string
	// MatchedAt defaults to the store clock when zero.
	MatchedAt time.Time
}

// MatchEvent is a match joined with its IOC, as handed to alerting consumers.
type MatchEvent struct {
	MatchID      int64     `json:"match_id"`
	IOCType      ioc.Type  `json:"ioc_type"`
	IOCValue     string    `json:"ioc_value"`
	MatchedAt    time.Time `json:"matched_at"`
	LogType      string    `json:"log_type"`
	MatchedValue string    `json:"matched_value"`
	Confidence   float64   `json:"confidence"`
	Source       string    `json:"source"`
	Context      string    `json:"context,omitempty"`
}

// Stats summarises the store contents.
type Stats struct {
	ByType       map[ioc.Type]int64 `json:"by_type"`
	Total        int64              `json:"total"`
	TotalMatches int64              `json:"total_matches"`
	Matches24h   int64              `json:"matches_24h"`
}

// RecordMatch appends a match row and increments the IOC's hit_count in the
// same transaction. It returns the new match id, or ErrIOCNotFound (with
// nothing written) when the IOC does not exist.
func (s *Store) RecordMatch(ctx context.Context, m MatchInput) (int64, error) {
	matchedAt := m.MatchedAt
	if matchedAt.IsZero() {
		matchedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin tx: %w", err)
	}
	rollback := func(e error) error {
		_ = tx.Rollback()
		return e
	}

	// Take the write lock first so concurrent callers serialize here.
	res, err := tx.ExecContext(ctx, `UPDATE iocs SET hit_count = hit_count + 1 WHERE id = ?`, m.IOCID)
	if err != nil {
		return 0, rollback(fmt.Errorf("failed to increment hit_count for IOC %d: %w", m.IOCID, err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, rollback(fmt.Errorf("failed to check IOC %d: %w", m.IOCID, err))
	}
	if affected == 0 {
		return 0, rollback(fmt.Errorf("failed to record match for IOC %d: %w", m.IOCID, ErrIOCNotFound))
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO ioc_matches (ioc_id, matched_at, log_type, matched_value, context) VALUES (?, ?, ?, ?, ?)`,
		m.IOCID, toMillis(matchedAt), m.LogType, m.MatchedValue, nullString(m.Context),
	)
	if err != nil {
		return 0, rollback(fmt.Errorf("failed to insert match for IOC %d: %w", m.IOCID, err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, rollback(fmt.Errorf("failed to read match id: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit match: %w", err)
	}
	return id, nil
}

// GetMatchEvent loads a single match joined with its IOC.
func (s *Store) GetMatchEvent(ctx context.Context, matchID int64) (MatchEvent, error) {
	rows, err := s.db.QueryContext(ctx, selectMatchEvent+` WHERE m.id = ?`, matchID)
	if err != nil {
		return MatchEvent{}, fmt.Errorf("failed to query match %d: %w", matchID, err)
	}
	defer rows.Close()

	events, err := scanMatchEvents(rows)
	if err != nil {
		return MatchEvent{}, err
	}
	if len(events) == 0 {
		return MatchEvent{}, fmt.Errorf("failed to load match %d: %w", matchID, ErrMatchNotFound)
	}
	return events[0], nil
}

// GetRecentMatches lists the newest matches joined with their IOC.
// limit <= 0 uses DefaultRecentMatches.
func (s *Store) GetRecentMatches(ctx context.Context, limit int) ([]MatchEvent, error) {
	if limit <= 0 {
		limit = DefaultRecentMatches
	}

	rows, err := s.db.QueryContext(ctx, selectMatchEvent+` ORDER BY m.matched_at DESC, m.id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent matches: %w", err)
	}
	defer rows.Close()

	return scanMatchEvents(rows)
}

// GetStats returns per-type counts and match totals from one snapshot.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	stats := Stats{ByType: make(map[ioc.Type]int64)}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT type, COUNT(*) FROM iocs GROUP BY type`)
	if err != nil {
		return stats, fmt.Errorf("failed to count IOCs: %w", err)
	}
	for rows.Next() {
		var (
			typ   string
			count int64
		)
		if err := rows.Scan(&typ, &count); err != nil {
			rows.Close()
			return stats, fmt.Errorf("failed to scan IOC count: %w", err)
		}
		stats.ByType[ioc.Type(typ)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return stats, fmt.Errorf("failed to iterate IOC counts: %w", err)
	}
	rows.Close()

	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM ioc_matches`).Scan(&stats.TotalMatches); err != nil {
		return stats, fmt.Errorf("failed to count matches: %w", err)
	}

	since := toMillis(s.now().Add(-24 * time.Hour))
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM ioc_matches WHERE matched_at >= ?`, since).Scan(&stats.Matches24h); err != nil {
		return stats, fmt.Errorf("failed to count recent matches: %w", err)
	}

	return stats, nil
}

const selectMatchEvent = `SELECT m.id, i.type, i.value, m.matched_at, m.log_type, m.matched_value,
		i.confidence, i.source, m.context
	FROM ioc_matches m
	JOIN iocs i ON i.id = m.ioc_id`

func scanMatchEvents(rows *sql.Rows) ([]MatchEvent, error) {
	var events []MatchEvent
	for rows.Next() {
		var (
			ev        MatchEvent
			typ       string
			matchedAt int64
			snippet   sql.NullString
		)
		if err := rows.Scan(&ev.MatchID, &typ, &ev.IOCValue, &matchedAt, &ev.LogType, &ev.MatchedValue,
			&ev.Confidence, &ev.Source, &snippet); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		ev.IOCType = ioc.Type(typ)
		ev.MatchedAt = fromMillis(matchedAt)
		ev.Context = snippet.String
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate matches: %w", err)
	}
	return events, nil
}
