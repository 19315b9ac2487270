// internal/historian/historian.go is an asynchronous historian that pops game
// event records from the Redis queue and persists them in batches.
package historian

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/verdict/internal/eventlog"
	"github.com/jason-s-yu/verdict/internal/metrics"
)

const maxPopWait = time.Second

// Source yields queued records. Pop returns nil, nil on timeout.
type Source interface {
	Pop(ctx context.Context, timeout time.Duration) (*eventlog.Record, error)
}

// Sink persists a batch atomically.
type Sink interface {
	InsertEvents(ctx context.Context, records []eventlog.Record) error
}

// Service accumulates records and flushes them when the batch is full or
// FlushDelay has passed since the first buffered record.
type Service struct {
	source     Source
	sink       Sink
	batchSize  int
	flushDelay time.Duration
	logger     *logrus.Logger

	batch   []eventlog.Record
	started time.Time
}

func New(source Source, sink Sink, batchSize int, flushDelay time.Duration, logger *logrus.Logger) *Service {
	if batchSize <= 0 {
		batchSize = 20
	}
	if flushDelay <= 0 {
		flushDelay = 500 * time.Millisecond
	}
	return &Service{
		source:     source,
		sink:       sink,
		batchSize:  batchSize,
		flushDelay: flushDelay,
		logger:     logger,
		batch:      make([]eventlog.Record, 0, batchSize),
	}
}

// Run drains the source until ctx is cancelled, then flushes what is left.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("historian started")
	defer s.logger.Info("historian stopped")

	for {
		if err := ctx.Err(); err != nil {
			s.flush(context.Background())
			return nil
		}

		// short pops keep cancellation responsive
		rec, err := s.source.Pop(ctx, min(s.flushDelay, maxPopWait))
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			continue
		case err != nil:
			s.logger.Errorf("historian: pop: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(maxPopWait):
			}
		case rec != nil:
			if len(s.batch) == 0 {
				s.started = time.Now()
			}
			s.batch = append(s.batch, *rec)
		}

		if len(s.batch) >= s.batchSize || (len(s.batch) > 0 && time.Since(s.started) >= s.flushDelay) {
			s.flush(ctx)
		}
	}
}

func (s *Service) flush(ctx context.Context) {
	if len(s.batch) == 0 {
		return
	}
	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.sink.InsertEvents(flushCtx, s.batch); err != nil {
		// dropped; the game state itself is authoritative
		s.logger.Errorf("historian: flush %d records: %v", len(s.batch), err)
	} else {
		s.logger.Debugf("historian: flushed %d records", len(s.batch))
	}
	s.batch = make([]eventlog.Record, 0, s.batchSize)
}

// Backlog reports how many records are still queued.
type Backlog interface {
	Len(ctx context.Context) (int64, error)
}

// WatchBacklog samples the queue length into the event queue gauge every
// interval until ctx is cancelled.
func WatchBacklog(ctx context.Context, backlog Backlog, interval time.Duration, m *metrics.Metrics, logger *logrus.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := backlog.Len(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warnf("historian: queue length: %v", err)
		case err == nil:
			m.SetEventQueueDepth(n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
