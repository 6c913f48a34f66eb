// Package correlator matches log telemetry against the stored IOC set.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Ashfaaq98/iocwatch/internal/ioc"
	"github.com/Ashfaaq98/iocwatch/internal/logs"
	"github.com/Ashfaaq98/iocwatch/internal/metrics"
	"github.com/Ashfaaq98/iocwatch/internal/store"
)

// Store is the subset of the IOC store the correlator needs. RecordMatch may
// be routed through a serialized writer.
type Store interface {
	BulkLookup(ctx context.Context, t ioc.Type, values []string) (map[string]store.LookupResult, error)
	RecordMatch(ctx context.Context, m store.MatchInput) (int64, error)
}

// Correlator turns log batches into recorded matches.
type Correlator struct {
	store     Store
	extractor *ioc.Extractor
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// New builds a correlator. extractor is used to pull CVE ids out of alert
// signatures; nil uses a default extractor.
func New(st Store, extractor *ioc.Extractor, logger *zap.SugaredLogger) *Correlator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if extractor == nil {
		extractor = ioc.NewExtractor(ioc.DefaultOptions())
	}
	return &Correlator{store: st, extractor: extractor, logger: logger.Named("correlator"), now: time.Now}
}

// Correlate looks every candidate value in batch up (one bulk query per IOC
// type) and records one match per (event, value) hit. Failures for one type
// or one match do not stop the others; they are joined into the returned
// error alongside the matches that were recorded.
func (c *Correlator) Correlate(ctx context.Context, batch logs.Batch) ([]store.MatchEvent, error) {
	cands := c.candidates(batch)
	if len(cands) == 0 {
		return nil, nil
	}

	byType := make(map[ioc.Type][]string)
	for _, cand := range cands {
		byType[cand.iocType] = append(byType[cand.iocType], cand.value)
	}

	hits := make(map[ioc.Type]map[string]store.LookupResult, len(byType))
	var errs []error
	for _, t := range ioc.AllTypes {
		values, ok := byType[t]
		if !ok {
			continue
		}
		found, err := c.store.BulkLookup(ctx, t, values)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("bulk_lookup").Inc()
			errs = append(errs, fmt.Errorf("failed to look up %s candidates: %w", t, err))
			continue
		}
		hits[t] = found
	}

	var matches []store.MatchEvent
	for _, cand := range cands {
		res, ok := hits[cand.iocType][cand.value]
		if !ok {
			continue
		}
		at := cand.at
		if at.IsZero() {
			at = c.now().UTC()
		}
		id, err := c.store.RecordMatch(ctx, store.MatchInput{
			IOCID:        res.ID,
			LogType:      string(cand.logType),
			MatchedValue: cand.raw,
			Context:      cand.context,
			MatchedAt:    at,
		})
		if err != nil {
			if errors.Is(err, store.ErrIOCNotFound) {
				c.logger.Debugf("IOC %s %s removed before match was recorded", cand.iocType, cand.value)
				continue
			}
			metrics.StoreErrors.WithLabelValues("record_match").Inc()
			errs = append(errs, fmt.Errorf("failed to record match for %s %s: %w", cand.iocType, cand.value, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		metrics.Matches.WithLabelValues(string(cand.logType), string(cand.iocType)).Inc()
		matches = append(matches, store.MatchEvent{
			MatchID:      id,
			IOCType:      cand.iocType,
			IOCValue:     cand.value,
			MatchedAt:    at,
			LogType:      string(cand.logType),
			MatchedValue: cand.raw,
			Confidence:   res.Confidence,
			Source:       res.Source,
			Context:      cand.context,
		})
	}

	c.logger.Infof("correlated %d events (%d candidates): %d matches", batch.Len(), len(cands), len(matches))
	return matches, errors.Join(errs...)
}
