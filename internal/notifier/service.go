package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"warden/internal/audit"
	"warden/internal/observability/metrics"
	rtsup "warden/internal/runtime/supervisor"
	logx "warden/pkg/logx"
)

type Options struct {
	Metrics *metrics.Metrics
	Log     logx.Logger
}

// Service batches recorded cases and hands them to a Sink:
// bounded queue + single flush loop + rate limit, no retry.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log  logx.Logger
	m    *metrics.Metrics
	sink Sink

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan audit.Case
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

func New(cfg Config, sink Sink, opt Options) *Service {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sink: sink,
		m:    opt.Metrics,
		log:  log.With(logx.String("comp", "notifier")),
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. Queue size takes effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan audit.Case, s.cfg.QueueSize)
	s.accepting = true
	// Only Stop ends the loop, so cases queued at shutdown still go out.
	s.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		// A broken sink must not take the bot down.
		rtsup.WithCancelOnError(false),
		rtsup.WithRestartHook(s.m.Restarted),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	sup.GoRestart("notifier.flush", func(c context.Context) error {
		s.flushLoop(c, q)
		return nil
	})
}

// Stop stops intake, flushes everything already queued and waits for the
// flush loop, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Publish queues c for the next batch. It never blocks; when the queue is
// full or the service is not running the case is dropped and counted.
func (s *Service) Publish(c audit.Case) {
	if err := s.Enqueue(c); err != nil {
		s.m.NotifyDrop()
		s.log.Debug("case notification dropped",
			logx.Int64("guild", c.GuildID),
			logx.Int64("case", c.ID),
			logx.Err(err),
		)
	}
}

var errQueueFull = errors.New("notifier queue full")

// Enqueue is Publish with the reason for a drop reported to the caller.
func (s *Service) Enqueue(c audit.Case) error {
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- c:
		return nil
	default:
		return errQueueFull
	}
}

func (s *Service) flushLoop(ctx context.Context, q <-chan audit.Case) {
	s.mu.Lock()
	interval := s.cfg.FlushInterval
	size := s.cfg.BatchSize
	s.mu.Unlock()

	t := time.NewTicker(interval)
	defer t.Stop()

	batch := make([]audit.Case, 0, size)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.deliver(batch)
		batch = make([]audit.Case, 0, size)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case c, ok := <-q:
			if !ok {
				flush()
				return
			}
			batch = append(batch, c)
			if len(batch) >= size {
				flush()
			}
		case <-t.C:
			flush()
		}
	}
}

func (s *Service) deliver(batch []audit.Case) {
	s.mu.Lock()
	sink := s.sink
	lim := s.limiter
	timeout := s.cfg.SendTimeout
	s.mu.Unlock()
	if sink == nil {
		return
	}

	// Runs during shutdown too, so it does not inherit the loop context.
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			s.m.NotifyBatch("failed")
			s.log.Warn("case batch dropped", logx.Int("cases", len(batch)), logx.Err(err))
			return
		}
	}
	if err := sink.Publish(ctx, batch); err != nil {
		s.m.NotifyBatch("failed")
		s.log.Warn("case batch delivery failed", logx.Int("cases", len(batch)), logx.Err(err))
		return
	}
	s.m.NotifyBatch("ok")
}
