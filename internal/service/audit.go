// Package service provides the async transport audit pipeline: records are
// accepted without blocking the connection hot path and written to the
// store in batches by a background worker.
package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loopgate/loopgate/internal/domain/audit"
)

// AuditService batches audit records through a buffered channel into a
// store. When the channel is full, records are dropped and counted rather
// than blocking the transport.
type AuditService struct {
	store         audit.Store
	recordCh      chan audit.Record
	done          chan struct{}
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	dropCount   atomic.Int64
	dropCounter prometheus.Counter
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithBatchSize sets the number of records to batch before writing.
// Default: 32.
func WithBatchSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithFlushInterval sets the interval pending records are flushed at.
// Default: 2 seconds.
func WithFlushInterval(interval time.Duration) AuditOption {
	return func(s *AuditService) {
		if interval > 0 {
			s.flushInterval = interval
		}
	}
}

// WithChannelSize sets the buffered channel capacity. Default: 1024.
func WithChannelSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.recordCh = make(chan audit.Record, size)
		}
	}
}

// WithDropCounter sets a Prometheus counter incremented on each dropped
// record.
func WithDropCounter(c prometheus.Counter) AuditOption {
	return func(s *AuditService) {
		s.dropCounter = c
	}
}

// NewAuditService creates the pipeline and starts its background worker.
func NewAuditService(store audit.Store, logger *slog.Logger, opts ...AuditOption) *AuditService {
	s := &AuditService{
		store:         store,
		recordCh:      make(chan audit.Record, 1024),
		done:          make(chan struct{}),
		logger:        logger,
		batchSize:     32,
		flushInterval: 2 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.worker()

	return s
}

// Record enqueues one audit record. Never blocks: when the channel is full
// the record is dropped and counted.
func (s *AuditService) Record(rec audit.Record) {
	select {
	case s.recordCh <- rec:
	default:
		n := s.dropCount.Add(1)
		if s.dropCounter != nil {
			s.dropCounter.Inc()
		}
		// Log the first drop and every 1000th after, not each one.
		if n == 1 || n%1000 == 0 {
			s.logger.Warn("audit records dropped", "total_dropped", n)
		}
	}
}

// Dropped returns the number of records dropped so far.
func (s *AuditService) Dropped() int64 {
	return s.dropCount.Load()
}

// Stop drains the channel, flushes pending records, and stops the worker.
func (s *AuditService) Stop(ctx context.Context) error {
	close(s.done)
	s.wg.Wait()
	return s.store.Close()
}

// worker batches records and writes them to the store.
func (s *AuditService) worker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]audit.Record, 0, s.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.store.Append(context.Background(), batch...); err != nil {
			s.logger.Error("audit batch write failed", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-s.recordCh:
			batch = append(batch, rec)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			// Drain whatever is still queued, then flush once.
			for {
				select {
				case rec := <-s.recordCh:
					batch = append(batch, rec)
					if len(batch) >= s.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
