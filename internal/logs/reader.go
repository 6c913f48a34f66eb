// Package logs reads network telemetry batches for correlation.
package logs

import (
	"context"
	"strings"
	"time"
)

// Kind is the telemetry class of an event. Its value is recorded as the
// match log type.
type Kind string

const (
	KindFlow  Kind = "flow"
	KindDNS   Kind = "dns"
	KindAlert Kind = "alert"
)

// Event is one telemetry record. Fields follows the Suricata EVE layout
// (src_ip, dest_ip, dns.rrname, alert.signature, ...); records in other
// formats are mapped onto it when read.
type Event struct {
	Time   time.Time
	Fields map[string]any
}

// Get resolves a dot-separated path such as "dns.rrname". A top-level key
// containing the full path wins over nested lookup.
func (e Event) Get(path string) any {
	if v, ok := e.Fields[path]; ok {
		return v
	}
	var cur any = e.Fields
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[key]
	}
	return cur
}

// String returns the value at path when it is a non-empty string.
func (e Event) String(path string) string {
	s, _ := e.Get(path).(string)
	return strings.TrimSpace(s)
}

// Batch groups the events of one read window by kind.
type Batch struct {
	Flows  []Event
	DNS    []Event
	Alerts []Event
}

// Len is the total number of events.
func (b Batch) Len() int {
	return len(b.Flows) + len(b.DNS) + len(b.Alerts)
}

func (b *Batch) add(kind Kind, ev Event) {
	switch kind {
	case KindFlow:
		b.Flows = append(b.Flows, ev)
	case KindDNS:
		b.DNS = append(b.DNS, ev)
	case KindAlert:
		b.Alerts = append(b.Alerts, ev)
	}
}

// Reader supplies telemetry for a time window [start, end).
type Reader interface {
	ReadBatch(ctx context.Context, start, end time.Time) (Batch, error)
}

// StaticReader serves a fixed batch regardless of the window.
type StaticReader struct {
	Batch Batch
}

func (r StaticReader) ReadBatch(ctx context.Context, start, end time.Time) (Batch, error) {
	return r.Batch, ctx.Err()
}
