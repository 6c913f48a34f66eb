package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const maxReportBytes = 4 << 20

// DefaultFolderPatterns are the report files a FolderSource picks up.
var DefaultFolderPatterns = []string{"*.txt", "*.md", "*.html", "*.json"}

// FolderConfig configures a drop folder of analyst reports.
type FolderConfig struct {
	Name     string        `mapstructure:"name"`
	Dir      string        `mapstructure:"dir"`
	Enabled  bool          `mapstructure:"enabled"`
	Patterns []string      `mapstructure:"patterns"`
	Debounce time.Duration `mapstructure:"debounce"`
}

type fileState struct {
	modTime time.Time
	size    int64
}

// FolderSource turns each new or modified report file into one item.
type FolderSource struct {
	*base
	dir      string
	patterns []string
	debounce time.Duration

	seenMu sync.Mutex
	seen   map[string]fileState

	read func(ctx context.Context, path string) (string, error)
}

// NewFolderSource validates cfg and builds the adapter.
func NewFolderSource(cfg FolderConfig, logger *zap.SugaredLogger) (*FolderSource, error) {
	if cfg.Name == "" {
		cfg.Name = "folder"
	}
	if cfg.Dir == "" {
		return nil, &ConfigError{Source: cfg.Name, Reason: "dir is required"}
	}
	st, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, &ConfigError{Source: cfg.Name, Reason: fmt.Sprintf("cannot access %s: %v", cfg.Dir, err)}
	}
	if !st.IsDir() {
		return nil, &ConfigError{Source: cfg.Name, Reason: fmt.Sprintf("%s is not a directory", cfg.Dir)}
	}
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = DefaultFolderPatterns
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}

	return &FolderSource{
		base:     newBase(cfg.Name, KindFolder, cfg.Enabled, 0, logger),
		dir:      cfg.Dir,
		patterns: cfg.Patterns,
		debounce: cfg.Debounce,
		seen:     make(map[string]fileState),
		read:     readReport,
	}, nil
}

func (s *FolderSource) matches(name string) bool {
	lower := strings.ToLower(name)
	for _, pat := range s.patterns {
		p := strings.TrimSpace(strings.ToLower(pat))
		if ok, _ := filepath.Match(p, lower); ok {
			return true
		}
	}
	return false
}

// Fetch returns items for files that are new or changed since the last
// successful call. A failed call leaves nothing marked as seen.
func (s *FolderSource) Fetch(ctx context.Context) ([]Item, error) {
	items, pending, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	s.commit(pending)
	return items, nil
}

// FetchWithErrorHandling never fails; see Source. Files are marked as seen
// only when the items reach the caller.
func (s *FolderSource) FetchWithErrorHandling(ctx context.Context) []Item {
	var pending map[string]fileState
	items, ok := s.run(ctx, func(ctx context.Context) ([]Item, error) {
		items, states, err := s.scan(ctx)
		pending = states
		return items, err
	})
	if ok {
		s.commit(pending)
	}
	return items
}

func (s *FolderSource) scan(ctx context.Context) ([]Item, map[string]fileState, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var items []Item
	pending := make(map[string]fileState)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if e.IsDir() || !s.matches(e.Name()) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		// Stat follows symlinks; FIFOs and devices would block the read.
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		state := fileState{modTime: info.ModTime(), size: info.Size()}

		s.seenMu.Lock()
		prev, ok := s.seen[path]
		s.seenMu.Unlock()
		if ok && prev == state {
			continue
		}

		content, err := s.read(ctx, path)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, nil, ctxErr
			}
			s.logger.Warnf("error reading %s: %v", path, err)
			continue
		}
		pending[path] = state

		modTime := info.ModTime().UTC()
		items = append(items, Item{
			SourceName: s.name,
			Title:      e.Name(),
			Content:    content,
			URL:        "file://" + path,
			Published:  &modTime,
			Metadata: map[string]any{
				"path": path,
				"size": info.Size(),
			},
		})
	}
	return items, pending, nil
}

func (s *FolderSource) commit(pending map[string]fileState) {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	for path, state := range pending {
		s.seen[path] = state
	}
}

// Watch calls notify (debounced) whenever a matching file is created or
// written, until ctx is cancelled.
func (s *FolderSource) Watch(ctx context.Context, notify func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer w.Close()

	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("watch add: %w", err)
	}
	s.logger.Infof("watching directory: %s (patterns: %s)", s.dir, strings.Join(s.patterns, ","))

	// Reset discards any stale expiry (Go 1.23 timer semantics).
	timer := time.NewTimer(s.debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !s.matches(filepath.Base(ev.Name)) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			timer.Reset(s.debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warnf("watch error: %v", err)
		case <-timer.C:
			notify()
		}
	}
}

// readReport reads at most maxReportBytes of path, giving up between chunks
// once ctx is done.
func readReport(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var (
		sb  strings.Builder
		buf = make([]byte, 64<<10)
		r   = io.LimitReader(f, maxReportBytes)
	)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := r.Read(buf)
		sb.Write(buf[:n])
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return "", err
		}
	}
}
