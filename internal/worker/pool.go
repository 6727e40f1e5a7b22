package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
)

// Pool runs a fixed number of Workers in one process. Workers share only the
// store; there is no coordination between them beyond its locking.
type Pool struct {
	workers []*Worker
	log     *slog.Logger
}

// NewPool creates size workers (at least one). Each identity is
// <hostname>-<pid>-<n>-<uuid prefix>.
func NewPool(s Store, reg *Registry, size int, opts Options) *Pool {
	if size < 1 {
		size = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "wizard"
	}
	p := &Pool{log: opts.Logger}
	for n := range size {
		id := fmt.Sprintf("%s-%d-%d-%s", host, os.Getpid(), n, uuid.NewString()[:8])
		p.workers = append(p.workers, New(id, s, reg, opts))
	}
	return p
}

// Workers returns the pool's workers.
func (p *Pool) Workers() []*Worker { return p.workers }

// Start runs every worker and blocks until ctx is cancelled and each worker
// has finished its in-flight cycle.
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	p.log.Info("worker pool started", "workers", len(p.workers))
	wg.Wait()
	p.log.Info("worker pool stopped", "workers", len(p.workers))
}
