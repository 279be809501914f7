// Package sweep runs the periodic dunning evaluation that catches
// day-boundary escalations no payment or invoice event triggers.
package sweep

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/wispware/tally/internal/config"
	dunningdomain "github.com/wispware/tally/internal/dunning/domain"
	"github.com/wispware/tally/internal/observability/metrics"
)

type Params struct {
	fx.In

	LC      fx.Lifecycle
	Log     *zap.Logger
	Cfg     config.Config
	Dunning dunningdomain.Service
}

type Worker struct {
	log       *zap.Logger
	dunning   dunningdomain.Service
	batchSize int
	interval  time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(p Params) *Worker {
	batchSize := p.Cfg.DunningSweep.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	interval := time.Duration(p.Cfg.DunningSweep.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	w := &Worker{
		log:       p.Log.Named("dunning.sweep"),
		dunning:   p.Dunning,
		batchSize: batchSize,
		interval:  interval,
		done:      make(chan struct{}),
	}

	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			w.cancel = cancel
			go w.run(ctx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			w.cancel()
			select {
			case <-w.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
	return w
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	started := time.Now()
	evaluated, err := w.dunning.Sweep(ctx, w.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.log.Error("dunning sweep failed", zap.Error(err))
		return
	}
	metrics.Billing().ObserveDunningSweep(time.Since(started))
	if evaluated > 0 {
		w.log.Info("dunning sweep finished",
			zap.Int("accounts_evaluated", evaluated),
			zap.Duration("elapsed", time.Since(started)),
		)
	}
}
