package worker

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/siftlog/siftlog/internal/archive"
	"github.com/siftlog/siftlog/internal/config"
	"github.com/siftlog/siftlog/internal/queue"
)

// Pool runs a fixed set of workers in one process. Each worker gets a
// stable consumer id derived from the configured base (or the hostname), so
// a restarted process reclaims its own pending entries.
type Pool struct {
	workers []*Worker
	log     zerolog.Logger
}

// NewPool builds cfg.Count workers sharing the queue and store.
func NewPool(q *queue.Queue, store Store, dls DeadLetterStore, arch *archive.Client, cfg config.WorkerConfig, log zerolog.Logger) *Pool {
	base := cfg.ConsumerID
	if base == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			base = host
		} else {
			base = "worker-" + uuid.NewString()[:8]
		}
	}
	workers := make([]*Worker, cfg.Count)
	for i := range workers {
		workers[i] = New(fmt.Sprintf("%s-%d", base, i), q, store, dls, arch, cfg, log)
	}
	return &Pool{workers: workers, log: log.With().Str("component", "worker-pool").Logger()}
}

// Run starts every worker and blocks until all have exited after ctx is
// cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info().Int("workers", len(p.workers)).Msg("starting worker pool")

	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				p.log.Error().Err(err).Str("consumer_id", w.id).Msg("worker exited with error")
			}
		}(w)
	}
	wg.Wait()
	p.log.Info().Msg("worker pool stopped")
	return nil
}
