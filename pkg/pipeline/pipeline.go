// pkg/pipeline/pipeline.go
package pipeline

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ironveil/hostwatch/pkg/collectors"
	"github.com/ironveil/hostwatch/pkg/collectors/file"
	"github.com/ironveil/hostwatch/pkg/collectors/network"
	"github.com/ironveil/hostwatch/pkg/collectors/process"
	"github.com/ironveil/hostwatch/pkg/config"
	"github.com/ironveil/hostwatch/pkg/control"
	"github.com/ironveil/hostwatch/pkg/correlate"
	"github.com/ironveil/hostwatch/pkg/dispatch"
	"github.com/ironveil/hostwatch/pkg/event"
	"github.com/ironveil/hostwatch/pkg/scorer"
	"github.com/ironveil/hostwatch/pkg/storage"
)

// Pipeline owns the full event path: collectors feeding the bounded queue,
// the dispatcher draining it toward the scorer, and the correlator turning
// verdicts into stored alerts. Start brings the stages up back to front;
// Stop tears them down front to back so in-flight events drain.
type Pipeline struct {
	queue      *event.Queue
	collectors []collectors.Collector
	dispatcher *dispatch.Dispatcher
	correlator *correlate.Correlator
	logger     zerolog.Logger

	collectCancel context.CancelFunc
	drainCancel   context.CancelFunc
	colWG         sync.WaitGroup
	stopOnce      sync.Once
}

// New wires every stage from configuration. The caller supplies the scorer
// and store implementations so their transports stay swappable.
func New(logger zerolog.Logger, cfg *config.Config, cp *control.ControlPlane, sc scorer.Scorer, store storage.Store) *Pipeline {
	plLogger := logger.With().Str("component", "pipeline").Logger()

	queue := event.NewQueue(cfg.Queue.Capacity, cfg.DropOrder(), func(event.LogEvent) {
		cp.AddDropped(1)
	})

	correlator := correlate.New(logger, store, cp, cfg.Correlator)
	dispatcher := dispatch.New(logger, queue, sc, cp, correlator, cfg.Dispatcher)

	p := &Pipeline{
		queue:      queue,
		dispatcher: dispatcher,
		correlator: correlator,
		logger:     plLogger,
	}

	if cfg.Collectors.File.Enabled {
		emitter := collectors.NewEmitter(event.SourceFile, queue, cp, logger)
		p.collectors = append(p.collectors, file.New(emitter, cfg.Collectors.File))
	}
	if cfg.Collectors.Process.Enabled {
		emitter := collectors.NewEmitter(event.SourceProcess, queue, cp, logger)
		p.collectors = append(p.collectors, process.New(emitter, cfg.Collectors.Process))
	}
	if cfg.Collectors.Network.Enabled {
		emitter := collectors.NewEmitter(event.SourceNetwork, queue, cp, logger)
		p.collectors = append(p.collectors, network.New(emitter, cfg.Collectors.Network))
	}
	return p
}

// Start launches the correlator, dispatcher, and collectors. It returns
// immediately; the stages run until Stop. Collectors get their own context
// so stopping them does not abort scoring requests still in flight.
func (p *Pipeline) Start(ctx context.Context) {
	collectCtx, collectCancel := context.WithCancel(ctx)
	p.collectCancel = collectCancel
	drainCtx, drainCancel := context.WithCancel(context.WithoutCancel(ctx))
	p.drainCancel = drainCancel

	go p.correlator.Run(drainCtx)
	go p.dispatcher.Run(drainCtx)

	for _, c := range p.collectors {
		p.colWG.Add(1)
		go func(c collectors.Collector) {
			defer p.colWG.Done()
			p.logger.Info().Str("collector", c.Name()).Msg("Starting collector")
			c.Run(collectCtx)
		}(c)
	}
	p.logger.Info().Int("collectors", len(p.collectors)).Msg("Pipeline started")
}

// Stop drains the pipeline in stage order: collectors first, then the queue
// closes so the dispatcher finishes its remnant, then the correlator flushes
// buffered verdicts. Safe to call more than once.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info().Msg("Pipeline stopping")
		if p.collectCancel != nil {
			p.collectCancel()
		}
		p.colWG.Wait()
		p.queue.Close()
		<-p.dispatcher.Done()
		p.correlator.Stop()
		<-p.correlator.Done()
		if p.drainCancel != nil {
			p.drainCancel()
		}
		p.logger.Info().Msg("Pipeline stopped")
	})
}

// Queue exposes the event queue for diagnostics.
func (p *Pipeline) Queue() *event.Queue {
	return p.queue
}
