package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/Ashfaaq98/iocwatch/internal/bus"
	"github.com/Ashfaaq98/iocwatch/internal/ioc"
	"github.com/Ashfaaq98/iocwatch/internal/logs"
	"github.com/Ashfaaq98/iocwatch/internal/service"
	"github.com/Ashfaaq98/iocwatch/internal/sources"
	"github.com/Ashfaaq98/iocwatch/internal/store"
)

// runtime holds the components a command opened. close releases them in
// reverse order.
type runtime struct {
	cfg       Config
	logger    *zap.SugaredLogger
	store     *store.Store
	extractor *ioc.Extractor
	bus       bus.Bus
	service   *service.Service
	closers   []func()
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	_ = rt.logger.Sync()
}

type runtimeOptions struct {
	withBus     bool
	withService bool
	// logsDir overrides logs.dir for the service's reader.
	logsDir string
}

// newRuntime loads configuration and opens the store, plus the bus and the
// service when asked. Callers must defer rt.close().
func newRuntime(opts runtimeOptions) (*runtime, error) {
	cfg, err := GetConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger}

	extractor, err := newExtractor(cfg.Extractor, logger)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.extractor = extractor

	resolvedDBPath := resolvePathRelativeToBase(getWorkingDir(), cfg.Database.Path)
	logger.Debugf("Using database at %s", resolvedDBPath)
	st, err := store.NewStore(resolvedDBPath,
		store.WithRetentionDays(cfg.Store.RetentionDays),
		store.WithLogger(logger.Named("store")))
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	rt.store = st
	rt.closers = append(rt.closers, func() { _ = st.Close() })

	if opts.withBus || opts.withService {
		rt.bus = bus.NewBus(cfg.Redis.URL, logger.Named("bus"))
		b := rt.bus
		rt.closers = append(rt.closers, func() { _ = b.Close() })
	}

	if opts.withService {
		dir := cfg.Logs.Dir
		if opts.logsDir != "" {
			dir = opts.logsDir
		}
		reader, err := newLogReader(dir, cfg.Logs.Patterns, logger)
		if err != nil {
			rt.close()
			return nil, err
		}

		srcs := buildSources(cfg.Sources, logger)
		svc, err := service.New(cfg.Service, service.Deps{
			Store:     st,
			Sources:   srcs,
			Extractor: extractor,
			Reader:    reader,
			Bus:       rt.bus,
		}, logger)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("failed to create service: %w", err)
		}
		rt.service = svc
		rt.closers = append(rt.closers, svc.Close)
	}
	return rt, nil
}

func newExtractor(cfg ExtractorConfig, logger *zap.SugaredLogger) (*ioc.Extractor, error) {
	types, err := ioc.ParseTypes(cfg.Types)
	if err != nil {
		return nil, fmt.Errorf("invalid extractor.types: %w", err)
	}
	return ioc.NewExtractor(ioc.Options{
		Types:        types,
		Refang:       cfg.Refang,
		MaxTextBytes: cfg.MaxTextBytes,
		Lists:        ioc.NewLists(cfg.ExcludeDomains, cfg.Keywords),
		Logger:       logger.Named("extractor"),
	}), nil
}

// buildSources constructs the configured adapters. Invalid ones are logged
// and skipped.
func buildSources(cfg sources.Config, logger *zap.SugaredLogger) []sources.Source {
	srcs, errs := sources.FromConfig(cfg, nil, logger.Named("sources"))
	for _, err := range errs {
		logger.Warnf("source skipped: %v", err)
	}
	return srcs
}

// newLogReader returns nil when dir is empty so cycles skip correlation.
func newLogReader(dir string, patterns []string, logger *zap.SugaredLogger) (logs.Reader, error) {
	if dir == "" {
		return nil, nil
	}
	dir = resolvePathRelativeToBase(getWorkingDir(), dir)
	r, err := logs.NewFileReader(dir, patterns, logger.Named("logs"))
	if err != nil {
		return nil, fmt.Errorf("failed to open log directory: %w", err)
	}
	return r, nil
}

// getExecutableDir returns the directory of the running executable.
func getExecutableDir() string {
	if exe, err := os.Executable(); err == nil {
		return filepath.Dir(exe)
	}
	return "."
}

func getWorkingDir() string {
	if wd, err := os.Getwd(); err == nil && wd != "" {
		return wd
	}
	return getExecutableDir()
}

// resolvePathRelativeToBase resolves a possibly relative path against a base directory.
// Absolute paths and ":memory:" are returned unchanged.
func resolvePathRelativeToBase(base, p string) string {
	if filepath.IsAbs(p) || p == ":memory:" {
		return p
	}
	// Normalize leading "./" for consistent joining
	p = strings.TrimPrefix(p, "./")
	return filepath.Join(base, p)
}
