package worker

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Stepan2222000/zamer-avito-system/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	jitterMin = 200 * time.Millisecond
	jitterMax = 800 * time.Millisecond
)

// Config holds worker pool settings. Zero values fall back to defaults.
type Config struct {
	ProgramID         string        // logical program identity, first segment of worker ids
	Lanes             int           // concurrent worker lanes in this process
	HeartbeatInterval time.Duration // liveness refresh interval (default 30s)
	ProxyRetryDelay   time.Duration // backoff when no proxy is available (default 30s)
	IdleDelay         time.Duration // poll delay when the queue is empty but work remains (default 5s)
	ClaimRate         rate.Limit    // task claims per second per lane, 0 disables pacing
	RegisterAttempts  int           // registration attempts before a lane gives up (default 5)
	RegisterDelay     time.Duration // delay between registration attempts (default 10s)
}

func (c *Config) withDefaults() {
	if c.ProgramID == "" {
		c.ProgramID = "scrape-worker"
	}
	if c.Lanes < 1 {
		c.Lanes = 1
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ProxyRetryDelay <= 0 {
		c.ProxyRetryDelay = 30 * time.Second
	}
	if c.IdleDelay <= 0 {
		c.IdleDelay = 5 * time.Second
	}
	if c.RegisterAttempts < 1 {
		c.RegisterAttempts = 5
	}
	if c.RegisterDelay <= 0 {
		c.RegisterDelay = 10 * time.Second
	}
}

// Pool runs a set of worker lanes that claim tasks and proxies from the
// shared store, delegate processing, and record outcomes. All coordination
// state lives in the store; the pool itself is stateless between calls.
type Pool struct {
	tasks    TaskQueue
	proxies  ProxyPool
	registry Registry
	results  ResultStore
	proc     Processor

	cfg      Config
	runID    string
	stopCh   chan struct{}
	notifyCh chan struct{}
	stopping atomic.Bool
	wg       sync.WaitGroup
}

// NewPool creates a worker pool. All collaborators are required.
func NewPool(tasks TaskQueue, proxies ProxyPool, registry Registry, results ResultStore, proc Processor, cfg Config) *Pool {
	if tasks == nil {
		panic("task queue is required")
	}
	if proxies == nil {
		panic("proxy pool is required")
	}
	if registry == nil {
		panic("worker registry is required")
	}
	if results == nil {
		panic("result store is required")
	}
	if proc == nil {
		panic("processor is required")
	}
	cfg.withDefaults()

	return &Pool{
		tasks:    tasks,
		proxies:  proxies,
		registry: registry,
		results:  results,
		proc:     proc,
		cfg:      cfg,
		runID:    uuid.NewString()[:8],
		stopCh:   make(chan struct{}),
		notifyCh: make(chan struct{}, 1), // buffer of 1 to prevent blocking
	}
}

// Start launches the worker lanes.
func (p *Pool) Start(ctx context.Context) {
	log.Info().Int("lanes", p.cfg.Lanes).Str("run_id", p.runID).Msg("Starting worker pool")

	p.wg.Add(p.cfg.Lanes)
	for i := 0; i < p.cfg.Lanes; i++ {
		go p.lane(ctx, i)
	}
}

// Stop signals all lanes to finish their current task attempt and exit,
// then waits for them.
func (p *Pool) Stop() {
	if p.stopping.Swap(true) {
		return // already stopping
	}
	log.Debug().Msg("Stopping worker pool")
	close(p.stopCh)
	p.wg.Wait()
	log.Debug().Msg("Worker pool stopped")
}

// Wait blocks until every lane has exited, without signalling a stop.
// Lanes exit on their own once the queue is fully drained.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Notify wakes one idle lane, e.g. after new tasks were loaded or the reaper
// returned reclaimed tasks to pending. Non-blocking.
func (p *Pool) Notify() {
	select {
	case p.notifyCh <- struct{}{}:
	default:
		// notification already pending
	}
}

// lane is one concurrent worker loop with its own store-level identity.
func (p *Pool) lane(ctx context.Context, lane int) {
	defer p.wg.Done()

	workerID := Identity(p.cfg.ProgramID, p.runID, lane)
	logger := log.With().Str("worker_id", workerID).Logger()

	if !p.register(ctx, workerID, logger) {
		logger.Error().Msg("Worker registration failed, lane not starting")
		return
	}

	metrics.ActiveLanes.Inc()
	defer metrics.ActiveLanes.Dec()

	hbCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go p.heartbeatLoop(hbCtx, workerID, logger)

	defer func() {
		// Mark the graceful exit even when ctx is already cancelled.
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.registry.MarkStopped(stopCtx, workerID); err != nil {
			logger.Error().Err(err).Msg("Failed to mark worker stopped")
		}
		logger.Info().Msg("Worker lane exited")
	}()

	var limiter *rate.Limiter
	if p.cfg.ClaimRate > 0 {
		limiter = rate.NewLimiter(p.cfg.ClaimRate, 1)
	}
	rnd := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(lane)))

	logger.Info().Msg("Worker lane started")

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		task, err := p.tasks.Claim(ctx, workerID)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to claim task")
			if !p.sleepJitter(rnd) {
				return
			}
			continue
		}

		if task == nil {
			remaining, err := p.tasks.Remaining(ctx)
			if err == nil && remaining == 0 {
				logger.Info().Msg("Queue drained, no work remains")
				return
			}
			// Tasks are still in flight on other workers and may return to
			// pending; wait for a wake-up or poll again.
			select {
			case <-time.After(p.cfg.IdleDelay):
			case <-p.notifyCh:
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		metrics.TasksClaimed.Inc()
		p.runTask(ctx, workerID, task, logger)
	}
}

// runTask drives one claimed task through proxy acquisition, processing,
// outcome recording, and guaranteed proxy release.
func (p *Pool) runTask(ctx context.Context, workerID string, task *Task, logger zerolog.Logger) {
	proxy := p.claimProxy(ctx, workerID, logger)
	if proxy == nil {
		// Shutting down while waiting for a proxy. Processing never ran, so
		// no attempt is consumed; the task goes straight back to pending.
		if err := p.tasks.Requeue(context.WithoutCancel(ctx), task.ID); err != nil {
			logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to requeue task on shutdown")
		}
		return
	}

	released := false
	defer func() {
		if !released {
			if err := p.proxies.Release(context.WithoutCancel(ctx), proxy.ID, workerID); err != nil {
				logger.Error().Err(err).Int64("proxy_id", proxy.ID).Msg("Failed to release proxy")
			}
		}
	}()

	logger.Info().
		Int64("item_id", task.ItemID).
		Int64("proxy_id", proxy.ID).
		Int("attempt", task.Attempts+1).
		Msg("Processing task")

	outcome := p.process(ctx, task, proxy, logger)
	decision := Decide(outcome)

	if decision.Rotate {
		metrics.ProxiesRotated.Inc()
		status, err := p.proxies.MarkBlocked(context.WithoutCancel(ctx), proxy.ID)
		if err != nil {
			logger.Error().Err(err).Int64("proxy_id", proxy.ID).Msg("Failed to mark proxy blocked")
		} else if status == ProxyStatusBlocked {
			logger.Warn().Int64("proxy_id", proxy.ID).Str("proxy", proxy.Proxy).Msg("Proxy permanently blocked")
		}
		p.proc.Discard(proxy)
		released = true
	} else {
		if err := p.proxies.Release(context.WithoutCancel(ctx), proxy.ID, workerID); err != nil {
			logger.Error().Err(err).Int64("proxy_id", proxy.ID).Msg("Failed to release proxy")
		}
		released = true
	}

	recordCtx := context.WithoutCancel(ctx)

	if decision.Terminal {
		// The result upsert must land before the task flips to completed:
		// both steps are idempotent, so a crash in between re-runs safely.
		result := BuildResult(task, outcome, decision, workerID)
		if err := p.results.Upsert(recordCtx, result); err != nil {
			logger.Error().Err(err).Int64("item_id", task.ItemID).Msg("Failed to upsert result")
			p.recordFailure(recordCtx, workerID, task, logger)
			return
		}
		if err := p.tasks.Complete(recordCtx, task.ID); err != nil {
			logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to mark task completed")
			return
		}
		metrics.TasksCompleted.WithLabelValues(string(decision.Status)).Inc()
		if err := p.registry.RecordOutcome(recordCtx, workerID, true); err != nil {
			logger.Error().Err(err).Msg("Failed to record worker outcome")
		}
		logger.Info().
			Int64("item_id", task.ItemID).
			Str("status", string(decision.Status)).
			Msg("Task completed")
		return
	}

	p.recordFailure(recordCtx, workerID, task, logger)
	logger.Debug().
		Int64("item_id", task.ItemID).
		Str("classification", string(outcome.Classification)).
		Str("failure_reason", outcome.FailureReason).
		Msg("Task attempt failed")
}

// recordFailure routes a non-terminal attempt through the queue and registry.
func (p *Pool) recordFailure(ctx context.Context, workerID string, task *Task, logger zerolog.Logger) {
	status, err := p.tasks.RecordFailure(ctx, task.ID)
	if err != nil {
		logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to record attempt failure")
	} else if status == TaskStatusFailed {
		logger.Warn().Int64("item_id", task.ItemID).Msg("Task exhausted all attempts")
	}
	metrics.TaskAttemptsFailed.Inc()
	if err := p.registry.RecordOutcome(ctx, workerID, false); err != nil {
		logger.Error().Err(err).Msg("Failed to record worker outcome")
	}
}

// claimProxy leases an available proxy, backing off and retrying while the
// pool is exhausted. Returns nil only on shutdown or context cancellation.
func (p *Pool) claimProxy(ctx context.Context, workerID string, logger zerolog.Logger) *Proxy {
	for {
		proxy, err := p.proxies.Claim(ctx, workerID)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to claim proxy")
		} else if proxy != nil {
			return proxy
		} else {
			logger.Warn().Dur("retry_in", p.cfg.ProxyRetryDelay).Msg("No proxy available, backing off")
		}

		select {
		case <-time.After(p.cfg.ProxyRetryDelay):
		case <-p.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// process invokes the collaborator, converting errors and panics into a
// non-terminal unexpected classification so the lane never dies mid-loop.
func (p *Pool) process(ctx context.Context, task *Task, proxy *Proxy, logger zerolog.Logger) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Recovered from panic in processor")
			out = Outcome{
				Classification: ClassUnexpected,
				FailureReason:  fmt.Sprintf("processor panic: %v", r),
			}
		}
	}()

	outcome, err := p.proc.Process(ctx, task, proxy)
	if err != nil {
		logger.Error().Err(err).Int64("item_id", task.ItemID).Msg("Processor error")
		return Outcome{Classification: ClassUnexpected, FailureReason: err.Error()}
	}
	return outcome
}

// register upserts the worker row, retrying a fixed number of times before
// the lane refuses to start.
func (p *Pool) register(ctx context.Context, workerID string, logger zerolog.Logger) bool {
	for attempt := 1; attempt <= p.cfg.RegisterAttempts; attempt++ {
		err := p.registry.Register(ctx, workerID)
		if err == nil {
			logger.Debug().Msg("Worker registered")
			return true
		}
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", p.cfg.RegisterAttempts).
			Msg("Worker registration failed, retrying")

		if attempt == p.cfg.RegisterAttempts {
			break
		}
		select {
		case <-time.After(p.cfg.RegisterDelay):
		case <-p.stopCh:
			return false
		case <-ctx.Done():
			return false
		}
	}
	return false
}

// heartbeatLoop refreshes the worker's liveness row on a fixed interval.
func (p *Pool) heartbeatLoop(ctx context.Context, workerID string, logger zerolog.Logger) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.registry.Heartbeat(ctx, workerID); err != nil {
				logger.Error().Err(err).Msg("Heartbeat failed")
			}
		}
	}
}

// sleepJitter pauses between 200ms and 800ms after a transient store error.
// Returns false when the pool is stopping.
func (p *Pool) sleepJitter(rnd *rand.Rand) bool {
	jitter := time.Duration(rnd.Int63n(int64(jitterMax-jitterMin))) + jitterMin
	select {
	case <-time.After(jitter):
		return true
	case <-p.stopCh:
		return false
	}
}
