// Package service runs the periodic fetch, extract, store, correlate and
// retain cycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Ashfaaq98/iocwatch/internal/bus"
	"github.com/Ashfaaq98/iocwatch/internal/correlator"
	"github.com/Ashfaaq98/iocwatch/internal/ioc"
	"github.com/Ashfaaq98/iocwatch/internal/logs"
	"github.com/Ashfaaq98/iocwatch/internal/metrics"
	"github.com/Ashfaaq98/iocwatch/internal/sources"
	"github.com/Ashfaaq98/iocwatch/internal/store"
)

const (
	DefaultInterval          = 15 * time.Minute
	DefaultFetchWorkers      = 4
	DefaultRetentionSchedule = "0 3 * * *"
)

// Cycle triggers recorded in the audit log.
const (
	TriggerStartup = "startup"
	TriggerTicker  = "ticker"
	TriggerManual  = "manual"
	TriggerWatch   = "watch"
)

// Config controls scheduling. Zero values take the defaults above.
type Config struct {
	Interval     time.Duration `mapstructure:"interval"`
	FetchWorkers int           `mapstructure:"fetch_workers"`
	// CorrelationWindow is how far back each cycle reads logs. Zero means
	// Interval.
	CorrelationWindow time.Duration `mapstructure:"correlation_window"`
	RetentionSchedule string        `mapstructure:"retention_schedule"`
	WriterQueue       int           `mapstructure:"writer_queue"`
	RunOnStart        bool          `mapstructure:"run_on_start"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.FetchWorkers <= 0 {
		c.FetchWorkers = DefaultFetchWorkers
	}
	if c.CorrelationWindow <= 0 {
		c.CorrelationWindow = c.Interval
	}
	if c.RetentionSchedule == "" {
		c.RetentionSchedule = DefaultRetentionSchedule
	}
	return c
}

// Deps are the collaborators of a Service. Reader and Bus are optional.
type Deps struct {
	Store     *store.Store
	Sources   []sources.Source
	Extractor *ioc.Extractor
	Reader    logs.Reader
	Bus       bus.Bus
}

// CycleReport summarises one cycle. It is also persisted as a cycle audit.
type CycleReport struct {
	store.CycleAudit
	MatchEvents []store.MatchEvent `json:"match_events,omitempty"`
}

type watcher interface {
	Watch(ctx context.Context, notify func()) error
}

// Service owns the cycle schedule and the single store writer.
type Service struct {
	cfg        Config
	store      *store.Store
	sources    []sources.Source
	extractor  *ioc.Extractor
	reader     logs.Reader
	bus        bus.Bus
	writer     *Writer
	correlator *correlator.Correlator
	logger     *zap.SugaredLogger
	now        func() time.Time

	cycleMu sync.Mutex
	trigger chan string
}

// New wires a service and starts its writer. Call Close to drain it.
func New(cfg Config, deps Deps, logger *zap.SugaredLogger) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("service requires a store")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if deps.Extractor == nil {
		deps.Extractor = ioc.NewExtractor(ioc.DefaultOptions())
	}
	if deps.Bus == nil {
		deps.Bus = bus.NewNullBus(logger)
	}
	cfg = cfg.withDefaults()
	if _, err := cron.ParseStandard(cfg.RetentionSchedule); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.RetentionSchedule, err)
	}

	writer := NewWriter(deps.Store, cfg.WriterQueue, logger)
	return &Service{
		cfg:        cfg,
		store:      deps.Store,
		sources:    deps.Sources,
		extractor:  deps.Extractor,
		reader:     deps.Reader,
		bus:        deps.Bus,
		writer:     writer,
		correlator: correlator.New(writer, deps.Extractor, logger),
		logger:     logger.Named("service"),
		now:        time.Now,
		trigger:    make(chan string, 1),
	}, nil
}

// Writer exposes the serialized mutation path for other front ends (API).
func (s *Service) Writer() *Writer {
	return s.writer
}

// Sources returns the configured adapters.
func (s *Service) Sources() []sources.Source {
	return s.sources
}

// Close drains pending writes. The store itself is left open.
func (s *Service) Close() {
	s.writer.Close()
}

// Trigger requests an early cycle. Requests coalesce while one is pending.
func (s *Service) Trigger(reason string) {
	select {
	case s.trigger <- reason:
	default:
	}
}

// Run schedules cycles until ctx is cancelled: every Interval, on Trigger,
// and when a watched folder changes. Retention runs on its cron schedule.
func (s *Service) Run(ctx context.Context) error {
	sched := cron.New()
	if _, err := sched.AddFunc(s.cfg.RetentionSchedule, func() {
		if _, err := s.Cleanup(context.WithoutCancel(ctx)); err != nil {
			s.logger.Errorf("scheduled cleanup failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule retention: %w", err)
	}
	sched.Start()
	defer func() {
		<-sched.Stop().Done()
	}()

	var watchers sync.WaitGroup
	defer watchers.Wait()
	for _, src := range s.sources {
		w, ok := src.(watcher)
		if !ok || !src.Enabled() {
			continue
		}
		name := src.Name()
		watchers.Add(1)
		go func() {
			defer watchers.Done()
			if err := w.Watch(ctx, func() { s.Trigger(TriggerWatch + ":" + name) }); err != nil {
				s.logger.Warnf("watch on %s stopped: %v", name, err)
			}
		}()
	}

	s.logger.Infof("service started: %d sources, interval %s, retention %q",
		len(s.sources), s.cfg.Interval, s.cfg.RetentionSchedule)

	if s.cfg.RunOnStart {
		s.runCycle(ctx, TriggerStartup, true)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Infof("service stopping")
			return nil
		case <-ticker.C:
			s.runCycle(ctx, TriggerTicker, true)
		case reason := <-s.trigger:
			s.runCycle(ctx, reason, true)
		}
	}
}

// RunCycle runs one full cycle now.
func (s *Service) RunCycle(ctx context.Context) CycleReport {
	return s.runCycle(ctx, TriggerManual, true)
}

// FetchCycle runs fetch, extract and store without correlation.
func (s *Service) FetchCycle(ctx context.Context) CycleReport {
	return s.runCycle(ctx, TriggerManual, false)
}

func (s *Service) runCycle(ctx context.Context, trigger string, correlate bool) CycleReport {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	start := s.now().UTC()
	report := CycleReport{CycleAudit: store.CycleAudit{
		Trigger:   trigger,
		StartedAt: start,
		Sources:   make(map[string]int),
	}}
	fail := func(phase string, err error) {
		metrics.PhaseFailures.WithLabelValues(phase).Inc()
		s.logger.Errorf("%s phase failed: %v", phase, err)
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", phase, err))
	}

	// Fetch
	fetched, fetchErrs := s.fetchAll(ctx)
	for _, err := range fetchErrs {
		report.Errors = append(report.Errors, err.Error())
	}

	// Extract and store, one batch per source.
	for _, name := range sortedKeys(fetched) {
		items := fetched[name]
		report.Sources[name] = len(items)
		report.Items += len(items)

		extracted := s.extractItems(items)
		report.Extracted += len(extracted)
		if len(extracted) == 0 {
			continue
		}
		n, err := s.writer.AddIOCs(ctx, extracted)
		if err != nil {
			fail("store", fmt.Errorf("source %s: %w", name, err))
			continue
		}
		metrics.IOCsStored.Add(float64(n))
		report.Stored += n
	}

	// Correlate
	if correlate && s.reader != nil {
		end := s.now().UTC()
		matches, err := s.CorrelateWindow(ctx, end.Add(-s.cfg.CorrelationWindow), end)
		if err != nil {
			fail("correlate", err)
		}
		report.MatchEvents = matches
		report.Matches = len(matches)
	}

	report.FinishedAt = s.now().UTC()
	metrics.CycleDuration.Observe(report.FinishedAt.Sub(start).Seconds())

	id, err := s.writer.AddCycleAudit(context.WithoutCancel(ctx), report.CycleAudit)
	if err != nil {
		fail("audit", err)
	}
	report.ID = id

	s.logger.Infof("cycle %s (%s) done in %s: items=%d extracted=%d stored=%d matches=%d errors=%d",
		id, trigger, report.FinishedAt.Sub(start).Round(time.Millisecond),
		report.Items, report.Extracted, report.Stored, report.Matches, len(report.Errors))
	return report
}

// fetchAll runs every enabled source on the bounded pool. Fetches are
// detached from ctx cancellation and end on their own timeout. Errors are
// reported per source; they never abort the other fetches.
func (s *Service) fetchAll(ctx context.Context) (map[string][]sources.Item, []error) {
	fetchCtx := context.WithoutCancel(ctx)

	var (
		mu      sync.Mutex
		results = make(map[string][]sources.Item)
		errs    []error
	)

	var g errgroup.Group
	g.SetLimit(s.cfg.FetchWorkers)
	for _, src := range s.sources {
		if !src.Enabled() {
			continue
		}
		src := src
		g.Go(func() error {
			before := src.Stats().ErrorCount
			items := src.FetchWithErrorHandling(fetchCtx)
			after := src.Stats()

			mu.Lock()
			defer mu.Unlock()
			results[src.Name()] = append(results[src.Name()], items...)
			if after.ErrorCount > before {
				errs = append(errs, &sources.FetchError{Source: src.Name(), Err: errors.New(after.LastError)})
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}

func (s *Service) extractItems(items []sources.Item) []ioc.IOC {
	var out []ioc.IOC
	for _, item := range items {
		found := s.extractor.Extract(item.Text(), item.SourceName)
		for _, f := range found {
			metrics.IOCsExtracted.WithLabelValues(string(f.Type)).Inc()
		}
		out = append(out, found...)
	}
	return out
}

// CorrelateWindow reads logs for [start, end), records matches through the
// writer and publishes each one on the bus.
func (s *Service) CorrelateWindow(ctx context.Context, start, end time.Time) ([]store.MatchEvent, error) {
	if s.reader == nil {
		return nil, errors.New("no log reader configured")
	}
	batch, err := s.reader.ReadBatch(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to read logs: %w", err)
	}

	matches, corrErr := s.correlator.Correlate(ctx, batch)
	for _, m := range matches {
		if err := s.bus.PublishMatch(ctx, bus.NewMatchMessage(m)); err != nil {
			metrics.BusPublishErrors.Inc()
			s.logger.Warnf("failed to publish match %d: %v", m.MatchID, err)
		}
	}
	return matches, corrErr
}

// Cleanup applies retention through the writer.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	removed, err := s.writer.CleanupOldIOCs(ctx)
	if err != nil {
		metrics.PhaseFailures.WithLabelValues("retention").Inc()
		return 0, err
	}
	metrics.IOCsRemoved.Add(float64(removed))
	s.logger.Infof("retention removed %d IOCs older than %d days", removed, s.store.RetentionDays())
	return removed, nil
}

func sortedKeys(m map[string][]sources.Item) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
