package pipeline

import (
	"context"
	"sync"
	"time"

	"conversion-pipeline/internal/config"
	"conversion-pipeline/internal/conversion"
	"conversion-pipeline/pkg/logger"
)

// Forwarder owns capi deliveries from claim until they are delivered or
// dead-lettered. Jobs are fingerprints; workers reload the delivery from the
// store before every attempt, so a stale job is harmless.
type Forwarder struct {
	jobs       chan string
	workerPool []*Worker
	store      DeliveryStore
	gateway    Gateway
	metrics    *Metrics
	cfg        *config.Config
	now        func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
	timers   map[string]*time.Timer
	closed   bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sweepWG sync.WaitGroup
}

func NewForwarder(store DeliveryStore, gw Gateway, metrics *Metrics, cfg *config.Config) *Forwarder {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Forwarder{
		jobs:     make(chan string, cfg.QueueSize),
		store:    store,
		gateway:  gw,
		metrics:  metrics,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: map[string]struct{}{},
		timers:   map[string]*time.Timer{},
		ctx:      ctx,
		cancel:   cancel,
	}

	log := logger.Get()
	log.Infow("starting forwarder",
		"workers", cfg.WorkerCount,
		"queue_size", cfg.QueueSize,
		"max_attempts", cfg.MaxAttempts,
		"retry_backoff_ms", cfg.RetryBaseBackoff.Milliseconds(),
		"retry_max_backoff_ms", cfg.RetryMaxBackoff.Milliseconds(),
	)

	for i := 0; i < cfg.WorkerCount; i++ {
		w := &Worker{
			id:        i + 1,
			jobChan:   f.jobs,
			forwarder: f,
			wg:        &f.wg,
		}
		f.workerPool = append(f.workerPool, w)
		w.Start()
	}

	if cfg.SweepInterval > 0 {
		f.sweepWG.Add(1)
		go f.sweepLoop(cfg.SweepInterval)
	}

	log.Infow("forwarder started", "worker_count", cfg.WorkerCount)
	return f
}

// Enqueue hands a delivery to the worker pool without blocking. It reports
// false when the delivery is already owned by a worker, the queue is full
// or the forwarder is shutting down; the sweeper picks up anything left
// behind.
func (f *Forwarder) Enqueue(fp string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	if _, busy := f.inflight[fp]; busy {
		return false
	}
	select {
	case f.jobs <- fp:
		f.inflight[fp] = struct{}{}
		logger.Get().Debugw("delivery enqueued", "fingerprint", fp)
		return true
	default:
		logger.Get().Warnw("forward queue full, leaving delivery to sweeper", "fingerprint", fp)
		return false
	}
}

// release drops ownership of fp once a worker is done with it.
func (f *Forwarder) release(fp string) {
	f.mu.Lock()
	delete(f.inflight, fp)
	f.mu.Unlock()
}

// scheduleRetry re-enqueues fp after d. Timers are per delivery, so one slow
// backoff never delays another.
func (f *Forwarder) scheduleRetry(fp string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if t, ok := f.timers[fp]; ok {
		t.Stop()
	}
	f.timers[fp] = time.AfterFunc(d, func() {
		f.mu.Lock()
		delete(f.timers, fp)
		f.mu.Unlock()
		f.Enqueue(fp)
	})
}

// Redeliver moves a dead-lettered delivery back to pending with a fresh
// attempt budget and enqueues it.
func (f *Forwarder) Redeliver(ctx context.Context, fp string) (conversion.Delivery, error) {
	d, err := f.store.Requeue(ctx, fp)
	if err != nil {
		return d, err
	}
	f.metrics.IncRedelivered()
	logger.Get().Infow("delivery requeued", "fingerprint", fp)
	f.Enqueue(fp)
	return d, nil
}

// Sweep enqueues every delivery that is due now. It runs on a ticker and
// once at start so deliveries claimed before a restart are not stranded.
func (f *Forwarder) Sweep(ctx context.Context) int {
	due, err := f.store.Due(ctx, f.now(), f.cfg.QueueSize)
	if err != nil {
		logger.Get().Errorw("sweep failed", "error", err)
		return 0
	}
	n := 0
	for _, d := range due {
		if f.Enqueue(d.Fingerprint) {
			n++
		}
	}
	if n > 0 {
		logger.Get().Infow("sweep enqueued deliveries", "count", n)
	}
	return n
}

func (f *Forwarder) sweepLoop(every time.Duration) {
	defer f.sweepWG.Done()
	f.Sweep(f.ctx)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.Sweep(f.ctx)
		case <-f.ctx.Done():
			return
		}
	}
}

func (f *Forwarder) Shutdown() {
	log := logger.Get()
	log.Info("initiating forwarder shutdown")

	f.cancel()
	f.sweepWG.Wait()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for fp, t := range f.timers {
		t.Stop()
		delete(f.timers, fp)
	}
	// workers drain what is already queued, then exit
	close(f.jobs)
	f.mu.Unlock()

	f.wg.Wait()
	log.Info("all forward workers stopped, shutdown complete")
}

func (f *Forwarder) QueueDepth() int {
	return len(f.jobs)
}

func (f *Forwarder) WorkerCount() int {
	return len(f.workerPool)
}
