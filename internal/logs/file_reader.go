package logs

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultPatterns are the log files a FileReader scans.
var DefaultPatterns = []string{"*.jsonl", "*.json", "eve.json*"}

// FileReader reads Suricata EVE and OCSF JSON records from a directory. Files
// may hold one record per line or a single JSON array.
type FileReader struct {
	dir      string
	patterns []string
	logger   *zap.SugaredLogger
}

// NewFileReader checks that dir exists and builds a reader over it.
func NewFileReader(dir string, patterns []string, logger *zap.SugaredLogger) (*FileReader, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open log dir: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("log dir %s is not a directory", dir)
	}
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &FileReader{dir: dir, patterns: patterns, logger: logger.Named("logs")}, nil
}

func (r *FileReader) matches(name string) bool {
	lower := strings.ToLower(name)
	for _, pat := range r.patterns {
		p := strings.TrimSpace(strings.ToLower(pat))
		if ok, _ := filepath.Match(p, lower); ok {
			return true
		}
	}
	return false
}

// ReadBatch returns every flow, DNS and alert record whose timestamp falls in
// [start, end). Records without a timestamp are always included; records
// with an unparseable one are skipped.
func (r *FileReader) ReadBatch(ctx context.Context, start, end time.Time) (Batch, error) {
	var batch Batch

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return batch, fmt.Errorf("failed to read log dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var parsed, skipped int
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		if e.IsDir() || !r.matches(e.Name()) {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		p, s, err := r.readFile(ctx, path, start, end, &batch)
		parsed += p
		skipped += s
		if err != nil {
			r.logger.Warnf("error reading %s: %v", path, err)
		}
	}

	r.logger.Debugf("read %d records (%d skipped): flows=%d dns=%d alerts=%d",
		parsed, skipped, len(batch.Flows), len(batch.DNS), len(batch.Alerts))
	return batch, nil
}

func (r *FileReader) readFile(ctx context.Context, path string, start, end time.Time, batch *Batch) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	first, err := firstNonSpace(reader)
	if err != nil {
		return 0, 0, nil
	}

	var parsed, skipped int
	handle := func(raw []byte) {
		if r.handleRecord(raw, start, end, batch) {
			parsed++
		} else {
			skipped++
		}
	}

	if first == '[' {
		var arr []json.RawMessage
		if err := json.NewDecoder(reader).Decode(&arr); err != nil {
			return 0, 0, err
		}
		for _, raw := range arr {
			handle(raw)
		}
		return parsed, skipped, nil
	}

	scanner := bufio.NewScanner(reader)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 10*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return parsed, skipped, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		handle([]byte(line))
	}
	return parsed, skipped, scanner.Err()
}

// handleRecord adds one record to batch. It reports false when the record
// was malformed, out of window or of no interest.
func (r *FileReader) handleRecord(raw []byte, start, end time.Time, batch *Batch) bool {
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false
	}
	kind, fields, ok := classify(rec)
	if !ok {
		return false
	}
	ts, hasTime, err := eventTime(fields)
	if err != nil {
		r.logger.Debugf("skipping record with bad timestamp: %v", err)
		return false
	}
	if hasTime && (ts.Before(start) || !ts.Before(end)) {
		return false
	}
	batch.add(kind, Event{Time: ts, Fields: fields})
	return true
}

// firstNonSpace peeks at the first significant byte without consuming it.
func firstNonSpace(r *bufio.Reader) (byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if err := r.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}
