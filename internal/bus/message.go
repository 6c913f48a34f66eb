package bus

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Ashfaaq98/iocwatch/internal/store"
)

// MatchStream is the Redis stream carrying match events.
const MatchStream = "ioc_matches"

// MatchMessage is one match event as published on the bus.
type MatchMessage struct {
	ID           string    `json:"id"`
	MatchID      int64     `json:"match_id"`
	IOCType      string    `json:"ioc_type"`
	IOCValue     string    `json:"ioc_value"`
	MatchedAt    time.Time `json:"matched_at"`
	LogType      string    `json:"log_type"`
	MatchedValue string    `json:"matched_value"`
	Confidence   float64   `json:"confidence"`
	Source       string    `json:"source"`
	Context      string    `json:"context,omitempty"`
}

// NewMatchMessage wraps a recorded match with a fresh message id.
func NewMatchMessage(ev store.MatchEvent) MatchMessage {
	return MatchMessage{
		ID:           uuid.New().String(),
		MatchID:      ev.MatchID,
		IOCType:      string(ev.IOCType),
		IOCValue:     ev.IOCValue,
		MatchedAt:    ev.MatchedAt.UTC(),
		LogType:      ev.LogType,
		MatchedValue: ev.MatchedValue,
		Confidence:   ev.Confidence,
		Source:       ev.Source,
		Context:      ev.Context,
	}
}

func (m MatchMessage) fields() map[string]interface{} {
	return map[string]interface{}{
		"id":            m.ID,
		"match_id":      m.MatchID,
		"ioc_type":      m.IOCType,
		"ioc_value":     m.IOCValue,
		"matched_at":    m.MatchedAt.UTC().Format(time.RFC3339Nano),
		"log_type":      m.LogType,
		"matched_value": m.MatchedValue,
		"confidence":    strconv.FormatFloat(m.Confidence, 'f', -1, 64),
		"source":        m.Source,
		"context":       m.Context,
	}
}

func matchFromFields(fields map[string]string) (MatchMessage, error) {
	msg := MatchMessage{
		ID:           fields["id"],
		IOCType:      fields["ioc_type"],
		IOCValue:     fields["ioc_value"],
		LogType:      fields["log_type"],
		MatchedValue: fields["matched_value"],
		Source:       fields["source"],
		Context:      fields["context"],
	}
	if msg.IOCType == "" || msg.IOCValue == "" {
		return msg, fmt.Errorf("match message %q is missing its IOC", msg.ID)
	}
	if v := fields["match_id"]; v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			msg.MatchID = id
		}
	}
	if v := fields["confidence"]; v != "" {
		if c, err := strconv.ParseFloat(v, 64); err == nil {
			msg.Confidence = c
		}
	}
	if v := fields["matched_at"]; v != "" {
		ts, err := parseTimestamp(v)
		if err != nil {
			return msg, err
		}
		msg.MatchedAt = ts
	}
	return msg, nil
}

// parseTimestamp accepts RFC3339 and unix epochs in seconds or milliseconds
func parseTimestamp(timestamp string) (time.Time, error) {
	if n, err := strconv.ParseInt(timestamp, 10, 64); err == nil {
		if n > 1_000_000_000_000 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", timestamp)
}
