package exporters

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"metricspipe/internal/telemetry"
)

// TODO: Make these configurable per sink type instead of per instance.
const defaultBatchSize = 100
const defaultBatchTimeout = 30 * time.Second

// batchProcessor ships one batch of points to a backend. Implementations
// own the wire format; the batcher owns buffering and flush policy.
type batchProcessor interface {
	processBatch(batch []telemetry.Point, wg *sync.WaitGroup, logger *logrus.Logger)
}

// pointBatcher buffers emitted points and flushes them to its processor
// when the batch fills up, the timeout elapses, or the batcher shuts
// down. All sinks share this shape; only the processor differs.
type pointBatcher struct {
	processor    batchProcessor
	pointsChan   chan telemetry.Point
	batchSize    int
	batchTimeout time.Duration
	wg           *sync.WaitGroup
	logger       *logrus.Logger

	mu      *sync.Mutex
	running bool
}

func newPointBatcher(
	processor batchProcessor,
	batchSize int,
	batchTimeout time.Duration,
	logger *logrus.Logger,
) *pointBatcher {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}

	return &pointBatcher{
		processor:    processor,
		pointsChan:   make(chan telemetry.Point),
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		wg:           &sync.WaitGroup{},
		logger:       logger,
		mu:           &sync.Mutex{},
	}
}

func (pb *pointBatcher) EmitPoint(point telemetry.Point) error {
	pb.pointsChan <- point
	return nil
}

func (pb *pointBatcher) Start() error {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if pb.running {
		return nil
	}

	pb.wg.Add(1)
	go pb.runBatchHandler()
	pb.running = true
	return nil
}

// Idempotent and non-blocking. Use Wait() to block until shutdown is complete.
func (pb *pointBatcher) Shutdown() error {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if !pb.running {
		return nil
	}

	close(pb.pointsChan)

	pb.running = false
	return nil
}

func (pb *pointBatcher) Wait() {
	pb.wg.Wait()
}

func (pb *pointBatcher) runBatchHandler() {
	var internalWg sync.WaitGroup

	defer func() {
		internalWg.Wait()
		pb.wg.Done()
	}()

	var batch []telemetry.Point
	timer := time.NewTimer(pb.batchTimeout)

	pb.logger.Info("started point batcher")

	for {
		select {
		case <-timer.C: // Timeout
			if len(batch) > 0 {
				pb.logger.Info("timeout reached. flushing point batch")
				internalWg.Add(1)
				go pb.processor.processBatch(batch, &internalWg, pb.logger)
				batch = nil
			}
			timer.Reset(pb.batchTimeout)
		case point, ok := <-pb.pointsChan:
			if !ok { // Channel closed
				pb.logger.Info("points channel closed. flushing point batch")
				if len(batch) > 0 {
					internalWg.Add(1)
					go pb.processor.processBatch(batch, &internalWg, pb.logger)
				}
				return
			}

			batch = append(batch, point)

			if len(batch) >= pb.batchSize { // Full batch
				pb.logger.Info("full batch reached. flushing.")
				internalWg.Add(1)
				go pb.processor.processBatch(batch, &internalWg, pb.logger)
				batch = nil
				timer.Reset(pb.batchTimeout)
			}
		}
	}
}
