package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/seantiz/runctx/internal/execctx"
	"github.com/seantiz/runctx/internal/model"
	"github.com/seantiz/runctx/internal/store"
)

// Request describes a session to configure.
type Request struct {
	Params             map[string]string `json:"params"`
	RequireAccelerator bool              `json:"require_accelerator"`
}

// Iteration is the unit of work handed to an IterationFunc: one shard of one
// training iteration.
type Iteration struct {
	Index  int
	Shard  int
	Shards int
	Device int
	// RNG is private to this shard and deterministic for a given seed.
	RNG *rand.Rand
}

// DefaultMaxThreads is the largest worker count a session may resolve to
// unless WithMaxThreads says otherwise.
const DefaultMaxThreads = 1024

// IterationFunc performs one shard of a training iteration. It is called
// concurrently for the shards of an iteration.
type IterationFunc func(ctx context.Context, it Iteration) error

// Engine configures sessions and runs them.
type Engine struct {
	store       store.Store
	devices     execctx.DeviceCounter
	concurrency execctx.ConcurrencyFunc
	defaults    map[string]string
	maxThreads  int
	logger      *slog.Logger
	wg          sync.WaitGroup

	mu       sync.Mutex
	contexts map[string]*execctx.Context
}

// Option configures an Engine.
type Option func(*Engine)

// WithConcurrency sets the host concurrency query used for nthread=0.
func WithConcurrency(f execctx.ConcurrencyFunc) Option {
	return func(e *Engine) { e.concurrency = f }
}

// WithMaxThreads limits the worker count of a session. Sessions resolving
// to more threads are rejected when they are opened. Values below 1 keep
// DefaultMaxThreads.
func WithMaxThreads(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxThreads = n
		}
	}
}

// WithDefaults sets parameters applied to every session before its own.
func WithDefaults(params map[string]string) Option {
	return func(e *Engine) { e.defaults = maps.Clone(params) }
}

// NewEngine creates a new session engine.
func NewEngine(s store.Store, devices execctx.DeviceCounter, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:      s,
		devices:    devices,
		maxThreads: DefaultMaxThreads,
		logger:     logger,
		contexts:   make(map[string]*execctx.Context),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Open runs the configuration phase for req and stores the resulting session
// with status "configured". Parameter errors are returned as
// *execctx.ConfigError and device errors as *execctx.DeviceError, both
// wrapped; nothing is stored in either case.
func (e *Engine) Open(ctx context.Context, req Request) (*model.Session, error) {
	ec, unused, res, err := e.configure(req.Params, req.RequireAccelerator)
	if err != nil {
		return nil, err
	}

	sess := &model.Session{
		ID:                 model.NewID(),
		Status:             model.StatusConfigured,
		Params:             maps.Clone(req.Params),
		Unused:             unused,
		RequireAccelerator: req.RequireAccelerator,
		Settings:           ec.Snapshot(),
		RequestedDevice:    res.Requested,
		FellBack:           res.FellBack,
		Threads:            ec.Threads(),
		CreatedAt:          time.Now().UTC(),
	}
	if sess.Params == nil {
		sess.Params = map[string]string{}
	}

	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	e.mu.Lock()
	e.contexts[sess.ID] = ec
	e.mu.Unlock()

	e.logger.Info("session configured",
		"session_id", sess.ID,
		"gpu_id", sess.Settings.DeviceID,
		"on_cpu", sess.OnCPU(),
		"threads", sess.Threads,
		"fell_back", sess.FellBack,
	)
	return sess, nil
}

// configure builds and resolves an execution context from the engine
// defaults overlaid with params.
func (e *Engine) configure(params map[string]string, requireAccelerator bool) (*execctx.Context, []string, execctx.Resolution, error) {
	ec := execctx.New(
		execctx.WithDeviceCounter(e.devices),
		execctx.WithConcurrency(e.concurrency),
		execctx.WithLogger(e.logger),
	)

	if _, err := ec.Update(e.defaults); err != nil {
		return nil, nil, execctx.Resolution{}, fmt.Errorf("apply default parameters: %w", err)
	}
	unused, err := ec.Update(params)
	if err != nil {
		return nil, nil, execctx.Resolution{}, fmt.Errorf("bind parameters: %w", err)
	}
	if ec.ValidateParameters() && len(unused) > 0 {
		e.logger.Warn("parameters might not be used", "params", unused)
	}
	// Each thread is a goroutine per iteration, so the engine bounds what
	// the context itself allows.
	if threads := ec.Threads(); threads > e.maxThreads {
		return nil, nil, execctx.Resolution{}, fmt.Errorf("bind parameters: %w", &execctx.ConfigError{
			Name:   execctx.ParamNThread,
			Value:  strconv.Itoa(ec.RequestedThreads()),
			Reason: fmt.Sprintf("resolves to %d threads, engine limit is %d", threads, e.maxThreads),
		})
	}

	res, err := ec.ConfigureDevice(requireAccelerator)
	if err != nil {
		return nil, nil, execctx.Resolution{}, fmt.Errorf("configure device: %w", err)
	}
	return ec, unused, res, nil
}

// contextFor returns the resolved context of a session. Sessions opened by
// another process are reconfigured from their stored parameters, so the
// device is resolved against the devices visible now.
func (e *Engine) contextFor(ctx context.Context, id string) (*execctx.Context, error) {
	e.mu.Lock()
	ec, ok := e.contexts[id]
	e.mu.Unlock()
	if ok {
		return ec, nil
	}

	sess, err := e.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	ec, _, _, err = e.configure(sess.Params, sess.RequireAccelerator)
	if err != nil {
		return nil, fmt.Errorf("restore session %s: %w", id, err)
	}
	if ec.DeviceID() != sess.Settings.DeviceID {
		e.logger.Warn("restored session resolved to a different device",
			"session_id", id,
			"stored_gpu_id", sess.Settings.DeviceID,
			"gpu_id", ec.DeviceID(),
		)
	}

	e.mu.Lock()
	e.contexts[id] = ec
	e.mu.Unlock()
	return ec, nil
}

// Run executes iterations of a configured session. Iterations run in order;
// the shards of each iteration run concurrently, one per worker thread of the
// session's context. The session moves to "running" and finally to
// "completed" or "failed" together with the number of finished iterations.
func (e *Engine) Run(ctx context.Context, id string, iterations int, fn IterationFunc) error {
	if iterations < 0 {
		return fmt.Errorf("iterations must be >= 0, got %d", iterations)
	}

	ec, err := e.contextFor(ctx, id)
	if err != nil {
		return err
	}

	if err := e.store.UpdateSessionStatus(ctx, id, store.StatusUpdate{Status: model.StatusRunning}); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	done, runErr := iterate(ctx, ec, iterations, fn)

	update := store.StatusUpdate{Status: model.StatusCompleted, Iterations: &done}
	if runErr != nil {
		update.Status = model.StatusFailed
		update.Error = runErr.Error()
	}
	// Record the outcome even if ctx was cancelled.
	if err := e.store.UpdateSessionStatus(context.WithoutCancel(ctx), id, update); err != nil {
		e.logger.Error("failed to record session result", "session_id", id, "error", err)
	}

	e.mu.Lock()
	delete(e.contexts, id)
	e.mu.Unlock()

	return runErr
}

// Start runs a session in a background goroutine. The outcome is recorded
// in the store; use Wait to block until all started sessions finish.
func (e *Engine) Start(ctx context.Context, id string, iterations int, fn IterationFunc) {
	e.wg.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("session panicked", "session_id", id, "panic", r)
				e.markFailed(ctx, id, fmt.Sprintf("panic: %v", r))
			}
		}()
		if err := e.Run(ctx, id, iterations, fn); err != nil {
			e.logger.Error("session failed", "session_id", id, "error", err)
		}
	})
}

// markFailed records a failure for a session whose run was interrupted
// before it could record its own outcome.
func (e *Engine) markFailed(ctx context.Context, id, msg string) {
	ctx = context.WithoutCancel(ctx)
	sess, err := e.store.GetSession(ctx, id)
	if err != nil {
		e.logger.Error("failed to load interrupted session", "session_id", id, "error", err)
		return
	}
	if !model.ValidTransition(sess.Status, model.StatusFailed) {
		return
	}
	if err := e.store.UpdateSessionStatus(ctx, id, store.StatusUpdate{Status: model.StatusFailed, Error: msg}); err != nil {
		e.logger.Error("failed to record session result", "session_id", id, "error", err)
	}

	e.mu.Lock()
	delete(e.contexts, id)
	e.mu.Unlock()
}

// Wait blocks until all sessions launched with Start complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// iterate returns the number of iterations that finished before the first
// error.
func iterate(ctx context.Context, ec *execctx.Context, iterations int, fn IterationFunc) (int, error) {
	shards := ec.Threads()
	device := ec.DeviceID()

	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return i, err
		}

		// Shard generators are drawn from the iteration generator so the
		// whole run is reproducible from the seed.
		rng := ec.RNG(i)
		errs := make([]error, shards)
		var wg sync.WaitGroup
		for s := 0; s < shards; s++ {
			it := Iteration{
				Index:  i,
				Shard:  s,
				Shards: shards,
				Device: device,
				RNG:    rand.New(rand.NewSource(rng.Int63())),
			}
			wg.Go(func() {
				errs[s] = runShard(ctx, fn, it)
			})
		}
		wg.Wait()

		if err := errors.Join(errs...); err != nil {
			return i, fmt.Errorf("iteration %d: %w", i, err)
		}
	}
	return iterations, nil
}

// runShard converts a panic in fn into an error so one shard cannot take
// down the process.
func runShard(ctx context.Context, fn IterationFunc, it Iteration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("shard %d panicked: %v", it.Shard, r)
		}
	}()
	return fn(ctx, it)
}
