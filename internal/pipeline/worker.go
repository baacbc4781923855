package pipeline

import (
	"context"
	"sync"
	"time"

	"conversion-pipeline/pkg/logger"
)

type Worker struct {
	id        int
	jobChan   <-chan string
	forwarder *Forwarder
	wg        *sync.WaitGroup
}

func (w *Worker) Start() {
	log := logger.Get().With("worker", w.id)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for fp := range w.jobChan {
			w.processJob(fp)
		}
		log.Infow("worker exiting", "reason", "channel closed")
	}()
}

func (w *Worker) processJob(fp string) {
	f := w.forwarder

	timeout := f.cfg.CAPITimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// store writes after the gateway call get their own budget
	ctx, cancel := context.WithTimeout(context.Background(), 2*timeout)
	defer cancel()

	wait := f.attempt(ctx, w.id, fp)
	// release before arming the timer so a short backoff can re-enqueue
	f.release(fp)
	if wait > 0 {
		f.scheduleRetry(fp, wait)
	}
}
