package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/vaportrail/pkg/model"
)

// flushInterval is the maximum time raw results sit in memory before
// being written even if the buffer hasn't filled.
const flushInterval = 2 * time.Second

// flushThreshold is the buffer size that triggers an immediate flush,
// independent of the timer.
const flushThreshold = 500

// runBatchWriter drains s.results into batches and persists them. It
// flushes on whichever comes first: the buffer reaching flushThreshold,
// the flushInterval ticker, or ctx being cancelled (final flush before
// exit). A flush failure still clears the buffer - the alternative is an
// unbounded memory buildup if the store stays unavailable.
func (s *Scheduler) runBatchWriter(ctx context.Context) {
	defer close(s.writerDone)

	buffer := make([]model.RawResult, 0, flushThreshold)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		if err := s.store.AddRawResults(buffer); err != nil {
			logrus.WithError(err).Error("scheduler: failed to flush raw results")
		}
		buffer = buffer[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case r := <-s.results:
			buffer = append(buffer, r)
			if len(buffer) >= flushThreshold {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
