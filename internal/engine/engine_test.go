package engine_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/seantiz/runctx/internal/device"
	"github.com/seantiz/runctx/internal/engine"
	"github.com/seantiz/runctx/internal/execctx"
	"github.com/seantiz/runctx/internal/model"
	"github.com/seantiz/runctx/internal/store"
)

func newTestEngine(t *testing.T, devices int, opts ...engine.Option) (*engine.Engine, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	opts = append([]engine.Option{engine.WithConcurrency(func() int { return 4 })}, opts...)
	eng := engine.NewEngine(s, device.Static("test", devices), logger, opts...)
	return eng, s
}

func getSession(t *testing.T, s store.Store, id string) *model.Session {
	t.Helper()
	sess, err := s.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	return sess
}

func TestOpenPersistsResolvedSession(t *testing.T) {
	eng, s := newTestEngine(t, 2)

	sess, err := eng.Open(context.Background(), engine.Request{
		Params: map[string]string{"random_state": "11", "gpu_id": "1", "max_depth": "6"},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if sess.Status != model.StatusConfigured {
		t.Errorf("Status = %q, want %q", sess.Status, model.StatusConfigured)
	}
	if sess.Settings.Seed != 11 {
		t.Errorf("Seed = %d, want 11", sess.Settings.Seed)
	}
	if sess.Settings.DeviceID != 1 {
		t.Errorf("DeviceID = %d, want 1", sess.Settings.DeviceID)
	}
	if sess.Threads != 4 {
		t.Errorf("Threads = %d, want 4", sess.Threads)
	}
	if len(sess.Unused) != 1 || sess.Unused[0] != "max_depth" {
		t.Errorf("Unused = %v, want [max_depth]", sess.Unused)
	}

	stored := getSession(t, s, sess.ID)
	if stored.Settings != sess.Settings {
		t.Errorf("stored settings = %+v, want %+v", stored.Settings, sess.Settings)
	}
}

func TestOpenFallbackRecorded(t *testing.T) {
	eng, _ := newTestEngine(t, 2)

	sess, err := eng.Open(context.Background(), engine.Request{
		Params: map[string]string{"gpu_id": "5"},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !sess.FellBack {
		t.Error("FellBack = false, want true")
	}
	if sess.RequestedDevice != 5 {
		t.Errorf("RequestedDevice = %d, want 5", sess.RequestedDevice)
	}
	if !sess.OnCPU() {
		t.Errorf("DeviceID = %d, want CPU", sess.Settings.DeviceID)
	}
}

func TestOpenConfigError(t *testing.T) {
	eng, s := newTestEngine(t, 2)

	_, err := eng.Open(context.Background(), engine.Request{
		Params: map[string]string{"gpu_id": "-2"},
	})
	var cfgErr *execctx.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Open error = %v, want *ConfigError", err)
	}

	_, total, _ := s.ListSessions(context.Background(), 10, 0)
	if total != 0 {
		t.Errorf("stored sessions = %d, want 0", total)
	}
}

func TestOpenDeviceError(t *testing.T) {
	eng, s := newTestEngine(t, 0)

	_, err := eng.Open(context.Background(), engine.Request{RequireAccelerator: true})
	if !errors.Is(err, execctx.ErrDevice) {
		t.Fatalf("Open error = %v, want ErrDevice", err)
	}

	_, total, _ := s.ListSessions(context.Background(), 10, 0)
	if total != 0 {
		t.Errorf("stored sessions = %d, want 0", total)
	}
}

func TestOpenAppliesDefaults(t *testing.T) {
	eng, _ := newTestEngine(t, 1, engine.WithDefaults(map[string]string{
		"seed":    "5",
		"nthread": "2",
	}))

	sess, err := eng.Open(context.Background(), engine.Request{
		Params: map[string]string{"n_jobs": "3"},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if sess.Settings.Seed != 5 {
		t.Errorf("Seed = %d, want default 5", sess.Settings.Seed)
	}
	if sess.Threads != 3 {
		t.Errorf("Threads = %d, want request override 3", sess.Threads)
	}
}

func TestOpenInvalidDefaults(t *testing.T) {
	eng, _ := newTestEngine(t, 1, engine.WithDefaults(map[string]string{"nthread": "-4"}))

	_, err := eng.Open(context.Background(), engine.Request{})
	var cfgErr *execctx.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Open error = %v, want *ConfigError", err)
	}
}

func TestRunShardsAcrossThreads(t *testing.T) {
	eng, s := newTestEngine(t, 1)

	sess, err := eng.Open(context.Background(), engine.Request{
		Params: map[string]string{"nthread": "3", "gpu_id": "0"},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var mu sync.Mutex
	seen := make(map[[2]int]bool)
	err = eng.Run(context.Background(), sess.ID, 4, func(_ context.Context, it engine.Iteration) error {
		if it.Shards != 3 {
			t.Errorf("Shards = %d, want 3", it.Shards)
		}
		if it.Device != 0 {
			t.Errorf("Device = %d, want 0", it.Device)
		}
		mu.Lock()
		seen[[2]int{it.Index, it.Shard}] = true
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(seen) != 12 {
		t.Errorf("shards executed = %d, want 12", len(seen))
	}

	got := getSession(t, s, sess.ID)
	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusCompleted)
	}
	if got.Iterations == nil || *got.Iterations != 4 {
		t.Errorf("Iterations = %v, want 4", got.Iterations)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Error("StartedAt and FinishedAt should be set")
	}
}

func TestRunDeterministicRNG(t *testing.T) {
	draw := func() map[[2]int]int64 {
		eng, _ := newTestEngine(t, 0)
		sess, err := eng.Open(context.Background(), engine.Request{
			Params: map[string]string{"seed": "99", "seed_per_iteration": "1", "nthread": "2"},
		})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}

		var mu sync.Mutex
		out := make(map[[2]int]int64)
		err = eng.Run(context.Background(), sess.ID, 3, func(_ context.Context, it engine.Iteration) error {
			v := it.RNG.Int63()
			mu.Lock()
			out[[2]int{it.Index, it.Shard}] = v
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return out
	}

	a, b := draw(), draw()
	for k, v := range a {
		if b[k] != v {
			t.Errorf("iteration %d shard %d: draws differ between runs", k[0], k[1])
		}
	}
	if a[[2]int{0, 0}] == a[[2]int{0, 1}] {
		t.Error("shards of one iteration should draw from distinct streams")
	}
}

func TestRunIterationError(t *testing.T) {
	eng, s := newTestEngine(t, 0)

	sess, err := eng.Open(context.Background(), engine.Request{
		Params: map[string]string{"nthread": "2"},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	boom := errors.New("diverged")
	err = eng.Run(context.Background(), sess.ID, 5, func(_ context.Context, it engine.Iteration) error {
		if it.Index == 2 && it.Shard == 1 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want %v", err, boom)
	}

	got := getSession(t, s, sess.ID)
	if got.Status != model.StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusFailed)
	}
	if got.Iterations == nil || *got.Iterations != 2 {
		t.Errorf("Iterations = %v, want 2", got.Iterations)
	}
	if got.Error == "" {
		t.Error("expected error message, got empty")
	}
}

func TestRunCancelled(t *testing.T) {
	eng, s := newTestEngine(t, 0)

	sess, err := eng.Open(context.Background(), engine.Request{
		Params: map[string]string{"nthread": "1"},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	err = eng.Run(ctx, sess.ID, 100, func(_ context.Context, it engine.Iteration) error {
		if it.Index == 1 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}

	got := getSession(t, s, sess.ID)
	if got.Status != model.StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusFailed)
	}
}

func TestRunTwiceRejected(t *testing.T) {
	eng, _ := newTestEngine(t, 0)

	sess, err := eng.Open(context.Background(), engine.Request{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	noop := func(context.Context, engine.Iteration) error { return nil }

	if err := eng.Run(context.Background(), sess.ID, 1, noop); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := eng.Run(context.Background(), sess.ID, 1, noop); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("second Run error = %v, want ErrInvalidTransition", err)
	}
}

func TestRunUnknownSession(t *testing.T) {
	eng, _ := newTestEngine(t, 0)

	err := eng.Run(context.Background(), "nonexistent", 1, func(context.Context, engine.Iteration) error { return nil })
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Run error = %v, want ErrNotFound", err)
	}
}

func TestRunRestoresSessionFromStore(t *testing.T) {
	first, s := newTestEngine(t, 2)
	sess, err := first.Open(context.Background(), engine.Request{
		Params: map[string]string{"gpu_id": "1", "nthread": "2"},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// A second engine sharing the store sees fewer devices.
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	second := engine.NewEngine(s, device.Static("test", 1), logger)

	var ran atomic.Int64
	ran.Store(99)
	err = second.Run(context.Background(), sess.ID, 1, func(_ context.Context, it engine.Iteration) error {
		ran.Store(int64(it.Device))
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := ran.Load(); got != execctx.CPUDevice {
		t.Errorf("restored device = %d, want %d", got, execctx.CPUDevice)
	}
}

func TestStartAndWait(t *testing.T) {
	eng, s := newTestEngine(t, 0)

	ids := make([]string, 3)
	for i := range ids {
		sess, err := eng.Open(context.Background(), engine.Request{
			Params: map[string]string{"nthread": "2"},
		})
		if err != nil {
			t.Fatalf("Open[%d]: %v", i, err)
		}
		ids[i] = sess.ID
	}

	var calls atomic.Int32
	for _, id := range ids {
		eng.Start(context.Background(), id, 2, func(context.Context, engine.Iteration) error {
			calls.Add(1)
			return nil
		})
	}
	eng.Wait()

	if got := calls.Load(); got != 12 {
		t.Errorf("calls = %d, want 12", got)
	}
	for _, id := range ids {
		if got := getSession(t, s, id); got.Status != model.StatusCompleted {
			t.Errorf("session %s status = %q, want %q", id, got.Status, model.StatusCompleted)
		}
	}
}

func TestRunNegativeIterations(t *testing.T) {
	eng, _ := newTestEngine(t, 0)
	if err := eng.Run(context.Background(), "any", -1, nil); err == nil {
		t.Error("expected error for negative iterations")
	}
}

func TestSampler(t *testing.T) {
	eng, s := newTestEngine(t, 0)

	sess, err := eng.Open(context.Background(), engine.Request{
		Params: map[string]string{"nthread": "2"},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := eng.Run(context.Background(), sess.ID, 2, engine.Sampler(5000)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := getSession(t, s, sess.ID); got.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusCompleted)
	}
}

func TestSamplerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := engine.Sampler(10)(ctx, engine.Iteration{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Sampler error = %v, want context.Canceled", err)
	}
}

func TestOpenWarnsOnUnusedParameters(t *testing.T) {
	for _, validate := range []string{"0", "1"} {
		t.Run("validate_parameters="+validate, func(t *testing.T) {
			s, err := store.NewSQLiteStore(":memory:")
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			t.Cleanup(func() { s.Close() })

			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, nil))
			eng := engine.NewEngine(s, device.Static("test", 0), logger)

			if _, err := eng.Open(context.Background(), engine.Request{
				Params: map[string]string{"validate_parameters": validate, "eta": "0.1"},
			}); err != nil {
				t.Fatalf("Open: %v", err)
			}

			warned := strings.Contains(buf.String(), "parameters might not be used")
			if want := validate == "1"; warned != want {
				t.Errorf("warned = %v, want %v\nlog:\n%s", warned, want, buf.String())
			}
		})
	}
}

func TestOpenRejectsThreadsAboveLimit(t *testing.T) {
	tests := []struct {
		name   string
		opts   []engine.Option
		params map[string]string
	}{
		{"max int64", nil, map[string]string{"nthread": "9223372036854775807"}},
		{"above default", nil, map[string]string{"n_jobs": "1025"}},
		{"explicit limit", []engine.Option{engine.WithMaxThreads(2)}, map[string]string{"nthread": "3"}},
		// Host concurrency is 4 in newTestEngine.
		{"host default above limit", []engine.Option{engine.WithMaxThreads(2)}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, s := newTestEngine(t, 0, tt.opts...)

			_, err := eng.Open(context.Background(), engine.Request{Params: tt.params})
			var cfgErr *execctx.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Open error = %v, want *ConfigError", err)
			}
			if cfgErr.Name != execctx.ParamNThread {
				t.Errorf("ConfigError.Name = %q, want %q", cfgErr.Name, execctx.ParamNThread)
			}

			_, total, _ := s.ListSessions(context.Background(), 10, 0)
			if total != 0 {
				t.Errorf("stored sessions = %d, want 0", total)
			}
		})
	}
}

func TestOpenAcceptsThreadsAtLimit(t *testing.T) {
	eng, _ := newTestEngine(t, 0, engine.WithMaxThreads(8))

	sess, err := eng.Open(context.Background(), engine.Request{
		Params: map[string]string{"nthread": "8"},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if sess.Threads != 8 {
		t.Errorf("Threads = %d, want 8", sess.Threads)
	}
}

func TestRunRecoversShardPanic(t *testing.T) {
	eng, s := newTestEngine(t, 0)

	sess, err := eng.Open(context.Background(), engine.Request{
		Params: map[string]string{"nthread": "2"},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	err = eng.Run(context.Background(), sess.ID, 3, func(_ context.Context, it engine.Iteration) error {
		if it.Index == 1 && it.Shard == 0 {
			panic("index out of range")
		}
		return nil
	})
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("Run error = %v, want shard panic error", err)
	}

	got := getSession(t, s, sess.ID)
	if got.Status != model.StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusFailed)
	}
	if got.Iterations == nil || *got.Iterations != 1 {
		t.Errorf("Iterations = %v, want 1", got.Iterations)
	}
}

func TestStartSurvivesPanickingWorkload(t *testing.T) {
	eng, s := newTestEngine(t, 0)

	sess, err := eng.Open(context.Background(), engine.Request{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	eng.Start(context.Background(), sess.ID, 1, func(context.Context, engine.Iteration) error {
		panic("boom")
	})
	eng.Wait()

	got := getSession(t, s, sess.ID)
	if got.Status != model.StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusFailed)
	}
	if !strings.Contains(got.Error, "boom") {
		t.Errorf("Error = %q, want it to mention the panic", got.Error)
	}
}
