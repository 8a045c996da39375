package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Nikunj-TUM/tyke/internal/queue"

	"github.com/rs/zerolog"
)

const (
	minReopenBackoff = time.Second
	maxReopenBackoff = 30 * time.Second
)

// OpenFunc opens a delivery source for one worker. closeFn releases it.
type OpenFunc func(worker int) (src queue.Source, closeFn func() error, err error)

// Pool runs a fixed number of workers, each with its own source and one in-flight request.
type Pool struct {
	consumer *Consumer
	open     OpenFunc
	workers  int
	log      zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) bool
}

func NewPool(consumer *Consumer, open OpenFunc, workers int, log zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{consumer: consumer, open: open, workers: workers, log: log, sleep: sleepCtx}
}

// Run blocks until ctx ends and every worker has finished its in-flight request.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.work(ctx, worker)
		}(i)
	}
	wg.Wait()
}

// work reopens the worker's source with backoff whenever it fails or closes.
func (p *Pool) work(ctx context.Context, worker int) {
	log := p.log.With().Int("worker", worker).Logger()
	backoff := minReopenBackoff
	for ctx.Err() == nil {
		src, closeFn, err := p.open(worker)
		if err != nil {
			log.Error().Err(err).Dur("retry_in", backoff).Msg("failed to open work queue")
			if !p.sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxReopenBackoff)
			continue
		}
		backoff = minReopenBackoff

		log.Info().Msg("dispatch worker started")
		err = p.consumer.Run(ctx, src)
		if closeFn != nil {
			if cerr := closeFn(); cerr != nil && !errors.Is(cerr, queue.ErrClosed) {
				log.Warn().Err(cerr).Msg("failed to close work queue consumer")
			}
		}
		if err == nil {
			log.Info().Msg("dispatch worker stopped")
			return
		}
		log.Warn().Err(err).Msg("work queue closed, reopening")
		if !p.sleep(ctx, backoff) {
			return
		}
	}
}
