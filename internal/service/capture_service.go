package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/capture"
)

// CaptureService records flows asynchronously through a buffered channel
// and a background worker, keeping the exchange hot path free of storage
// latency.
type CaptureService struct {
	store         capture.FlowStore
	flowChan      chan capture.Flow
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	channelSize int           // buffer capacity, kept for depth percentages
	sendTimeout time.Duration // how long Record blocks before dropping; 0 drops at once
	dropCount   atomic.Int64

	warningThreshold int          // depth percent that triggers a capacity warning
	lastWarning      atomic.Int64 // unix nanos of the last warning, CAS-claimed

	adaptiveFlushThreshold int // depth percent that switches the worker to fast flushing
}

// CaptureOption configures CaptureService.
type CaptureOption func(*CaptureService)

// WithBatchSize sets the number of flows to batch before writing.
func WithBatchSize(size int) CaptureOption {
	return func(s *CaptureService) {
		s.batchSize = size
	}
}

// WithFlushInterval sets the interval to flush pending flows.
func WithFlushInterval(interval time.Duration) CaptureOption {
	return func(s *CaptureService) {
		s.flushInterval = interval
	}
}

// WithChannelSize sets the size of the flow channel buffer.
func WithChannelSize(size int) CaptureOption {
	return func(s *CaptureService) {
		if size < 1 {
			size = 1
		}
		s.flowChan = make(chan capture.Flow, size)
		s.channelSize = size
	}
}

// WithSendTimeout bounds how long Record blocks on a full channel
// before dropping the flow. Zero drops without blocking.
func WithSendTimeout(timeout time.Duration) CaptureOption {
	return func(s *CaptureService) {
		s.sendTimeout = timeout
	}
}

// WithWarningThreshold sets the channel depth percentage (0-100) above
// which Record logs a capacity warning.
func WithWarningThreshold(percent int) CaptureOption {
	return func(s *CaptureService) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		s.warningThreshold = percent
	}
}

// WithAdaptiveFlushThreshold sets the channel depth percentage past
// which the worker flushes at a quarter of the normal interval. Zero
// disables the adaptive behavior; the default is 80.
func WithAdaptiveFlushThreshold(percent int) CaptureOption {
	return func(s *CaptureService) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		s.adaptiveFlushThreshold = percent
	}
}

// NewCaptureService builds a capture pipeline over the given store.
// Defaults suit a busy proxy; options tune the queue and flush cadence.
func NewCaptureService(store capture.FlowStore, logger *slog.Logger, opts ...CaptureOption) *CaptureService {
	const defaultQueue = 1000
	s := &CaptureService{
		store:                  store,
		flowChan:               make(chan capture.Flow, defaultQueue),
		logger:                 logger,
		batchSize:              100,
		flushInterval:          time.Second,
		channelSize:            defaultQueue,
		sendTimeout:            100 * time.Millisecond,
		warningThreshold:       80,
		adaptiveFlushThreshold: 80,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start begins the background worker that batches and writes flows.
func (s *CaptureService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Record hands a flow to the background worker. The send is
// non-blocking first, then waits up to sendTimeout on a full channel;
// past that the flow is dropped and counted rather than stalling the
// exchange.
func (s *CaptureService) Record(flow capture.Flow) {
	if s.warningThreshold > 0 {
		depth := len(s.flowChan)
		if depth*100 >= s.channelSize*s.warningThreshold {
			s.warnChannelDepth(depth)
		}
	}

	select {
	case s.flowChan <- flow:
		return
	default:
	}

	if s.sendTimeout <= 0 {
		s.recordDrop(flow)
		return
	}

	select {
	case s.flowChan <- flow:
		return
	case <-time.After(s.sendTimeout):
		s.recordDrop(flow)
	}
}

// recordDrop counts and logs a flow the queue could not take.
func (s *CaptureService) recordDrop(flow capture.Flow) {
	total := s.dropCount.Add(1)
	s.logger.Warn("captured flow dropped",
		"host", flow.Host,
		"session_id", flow.SessionID,
		"total_drops", total,
	)
}

// warnChannelDepth logs a capacity warning, rate-limited to once per second.
func (s *CaptureService) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()

	if now-last < int64(time.Second) {
		return
	}

	// Only the goroutine that wins the CAS logs; the rest saw a stale slot.
	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("capture channel approaching capacity",
			"depth", depth,
			"capacity", s.channelSize,
			"percent", depth*100/s.channelSize,
		)
	}
}

// DroppedFlows reports how many flows have been dropped since start.
func (s *CaptureService) DroppedFlows() int64 {
	return s.dropCount.Load()
}

// ChannelDepth reports how many flows are queued for the worker.
func (s *CaptureService) ChannelDepth() int {
	return len(s.flowChan)
}

// ChannelCapacity reports the queue's buffer size.
func (s *CaptureService) ChannelCapacity() int {
	return s.channelSize
}

// Stop closes the queue and waits for the worker to flush what remains.
// Call it exactly once, after all producers have stopped.
func (s *CaptureService) Stop() {
	close(s.flowChan)
	s.wg.Wait()
}

// worker batches queued flows and writes them out: when a batch
// fills, on a ticker, and at a faster cadence while the queue runs
// deep.
func (s *CaptureService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]capture.Flow, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	fast := false

	for {
		select {
		case flow, ok := <-s.flowChan:
			if !ok {
				// Stop closed the queue; one last flush on its own deadline.
				s.flushFinal(batch)
				return
			}
			batch = append(batch, flow)

			adaptive := s.adaptiveFlushThreshold > 0
			pct := len(s.flowChan) * 100 / s.channelSize
			deep := adaptive && pct >= s.adaptiveFlushThreshold

			if len(batch) >= s.batchSize || deep {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

			// Retune the ticker when the queue crosses the threshold.
			switch {
			case deep && !fast:
				ticker.Reset(s.flushInterval / 4)
				fast = true
				s.logger.Debug("capture adaptive flush: entering fast mode",
					"depth_percent", pct,
					"interval", s.flushInterval/4,
				)
			case adaptive && !deep && fast:
				ticker.Reset(s.flushInterval)
				fast = false
				s.logger.Debug("capture adaptive flush: returning to normal mode",
					"depth_percent", pct,
					"interval", s.flushInterval,
				)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Drain whatever is queued; the range ends when Stop closes the
			// queue, so cancellation must always be followed by Stop.
			for flow := range s.flowChan {
				batch = append(batch, flow)
			}
			s.flushFinal(batch)
			return
		}
	}
}

// flushFinal writes anything left in the batch under its own deadline,
// for the shutdown paths where the worker's context is gone.
func (s *CaptureService) flushFinal(batch []capture.Flow) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.flush(ctx, batch)
}

// flush writes a batch of flows to the store.
// Errors are logged but not propagated: capture must not fail exchanges.
func (s *CaptureService) flush(ctx context.Context, batch []capture.Flow) {
	if err := s.store.Append(ctx, batch...); err != nil {
		s.logger.Error("failed to write flow batch",
			"error", err,
			"count", len(batch),
		)
	}
}
