package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yangtao121/Bambu-consumables-management/internal/metrics"
)

// Pipeline is the bounded hand-off between per-printer MQTT
// subscribers and the single consumer goroutine that runs the
// per-frame transaction. Frames are dropped with a logged warning
// when the buffer is full rather than blocking a subscriber — a
// subscriber stall must never back up into the broker.
type Pipeline struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics
	process func(context.Context, Frame)

	frames chan Frame

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// PipelineConfig controls buffer sizing.
type PipelineConfig struct {
	BufferSize int
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{BufferSize: 2000}
}

// NewPipeline creates a Pipeline whose consumer goroutine calls
// process for each frame it drains, in receipt order.
func NewPipeline(logger zerolog.Logger, m *metrics.Metrics, process func(context.Context, Frame), config ...PipelineConfig) *Pipeline {
	cfg := DefaultPipelineConfig()
	if len(config) > 0 {
		cfg = config[0]
	}
	return &Pipeline{
		logger:  logger.With().Str("component", "ingest_pipeline").Logger(),
		metrics: m,
		process: process,
		frames:  make(chan Frame, cfg.BufferSize),
	}
}

// Start launches the single consumer goroutine.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.consume(ctx)
}

// Stop cancels the consumer and waits for it to drain in-flight work.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Submit hands a frame to the pipeline. Non-blocking: drops the frame
// if the buffer is full.
func (p *Pipeline) Submit(f Frame) {
	if f.ReceivedAt.IsZero() {
		f.ReceivedAt = time.Now().UTC()
	}
	select {
	case p.frames <- f:
		p.metrics.TrackIngestQueueDepth(len(p.frames))
	default:
		p.metrics.TrackIngestQueueDrop(f.PrinterID)
		p.logger.Warn().Str("printer_id", f.PrinterID).Str("topic", f.Topic).Msg("frame dropped: ingest buffer full")
	}
}

func (p *Pipeline) consume(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-p.frames:
			p.process(ctx, f)
			p.metrics.TrackIngestQueueDepth(len(p.frames))
		}
	}
}
