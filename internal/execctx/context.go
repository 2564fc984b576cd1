package execctx

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/seantiz/runctx/internal/host"
	"github.com/seantiz/runctx/internal/param"
)

const (
	// CPUDevice is the device ordinal meaning "no accelerator, run on CPU".
	CPUDevice = -1

	// DefaultSeed is the PRNG seed used when none is configured.
	DefaultSeed int64 = 0

	// seedMagic spreads per-iteration seeds apart.
	seedMagic = 127
)

// Parameter names accepted by Update.
const (
	ParamSeed                = "seed"
	ParamSeedAlias           = "random_state"
	ParamSeedPerIteration    = "seed_per_iteration"
	ParamNThread             = "nthread"
	ParamNThreadAlias        = "n_jobs"
	ParamDeviceID            = "gpu_id"
	ParamFailOnInvalidDevice = "fail_on_invalid_gpu_id"
	ParamValidateParameters  = "validate_parameters"
)

// ConfigError reports a parameter that violates its declared constraint.
type ConfigError = param.ConfigError

// DeviceCounter reports how many accelerator devices are visible to the
// process.
type DeviceCounter interface {
	DeviceCount() int
}

// DeviceCounterFunc adapts a function to DeviceCounter.
type DeviceCounterFunc func() int

// DeviceCount calls f.
func (f DeviceCounterFunc) DeviceCount() int {
	return f()
}

// ConcurrencyFunc reports the host's usable hardware concurrency.
type ConcurrencyFunc func() int

// noDevices is used when no device counter is configured.
var noDevices = DeviceCounterFunc(func() int { return 0 })

// Context holds the global execution parameters of one training or
// prediction session.
//
// A Context is populated with Update and resolved with ConfigureDevice during
// a single-threaded configuration phase. Afterwards it is read-only and may be
// shared by any number of goroutines. Calling Update or ConfigureDevice while
// other goroutines read the Context is a data race; reconfigure only before
// workers are started.
type Context struct {
	seed                int64
	seedPerIteration    bool
	nthread             int
	deviceID            int
	failOnInvalidDevice bool
	validateParameters  bool

	devices     DeviceCounter
	concurrency ConcurrencyFunc
	logger      *slog.Logger
	params      *param.Table
}

// Option configures the collaborators of a Context.
type Option func(*Context)

// WithDeviceCounter sets the source of the visible accelerator count.
func WithDeviceCounter(d DeviceCounter) Option {
	return func(c *Context) {
		if d != nil {
			c.devices = d
		}
	}
}

// WithConcurrency sets the source of the host's hardware concurrency.
func WithConcurrency(f ConcurrencyFunc) Option {
	return func(c *Context) {
		if f != nil {
			c.concurrency = f
		}
	}
}

// WithLogger sets the logger that receives device fallback warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Context) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a Context holding default values for every parameter.
func New(opts ...Option) *Context {
	c := &Context{
		devices:     noDevices,
		concurrency: host.Concurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.params = c.newParamTable()
	c.params.Init()
	return c
}

func (c *Context) newParamTable() *param.Table {
	t, err := param.NewTable(
		param.Int64(ParamSeed, &c.seed, DefaultSeed).
			Alias(ParamSeedAlias).
			Describe("Random number seed during training."),
		param.Bool(ParamSeedPerIteration, &c.seedPerIteration, false).
			Describe("Seed PRNG deterministically via iteration number."),
		param.Int(ParamNThread, &c.nthread, 0).
			Alias(ParamNThreadAlias).
			LowerBound(0).
			Describe("Number of threads to use, 0 selects the host default."),
		param.Int(ParamDeviceID, &c.deviceID, CPUDevice).
			LowerBound(CPUDevice).
			Describe("The primary accelerator device ordinal, -1 runs on CPU."),
		param.Bool(ParamFailOnInvalidDevice, &c.failOnInvalidDevice, false).
			Describe("Fail with error when gpu_id is invalid."),
		param.Bool(ParamValidateParameters, &c.validateParameters, false).
			Describe("Enable checking whether parameters are used or not."),
	)
	if err != nil {
		panic(fmt.Sprintf("execctx: build parameter table: %v", err))
	}
	return t
}

// Update binds args, keyed by parameter name or alias, onto the Context. On a
// *ConfigError no field is changed. Keys that name no parameter are returned
// sorted for the caller to validate.
func (c *Context) Update(args map[string]string) ([]string, error) {
	return c.params.Update(args)
}

// Parameters describes the accepted parameters.
func (c *Context) Parameters() []param.FieldInfo {
	return c.params.Fields()
}

// Values returns every parameter's current value as text, keyed by name.
func (c *Context) Values() map[string]string {
	return c.params.Values()
}

// Seed returns the configured PRNG seed.
func (c *Context) Seed() int64 { return c.seed }

// SeedPerIteration reports whether the PRNG is reseeded every iteration.
func (c *Context) SeedPerIteration() bool { return c.seedPerIteration }

// RequestedThreads returns the configured thread count, 0 meaning "host default".
func (c *Context) RequestedThreads() int { return c.nthread }

// DeviceID returns the device ordinal, or CPUDevice.
func (c *Context) DeviceID() int { return c.deviceID }

// FailOnInvalidDevice reports whether an unusable device ordinal is an error.
func (c *Context) FailOnInvalidDevice() bool { return c.failOnInvalidDevice }

// ValidateParameters reports whether unused parameters should be reported.
func (c *Context) ValidateParameters() bool { return c.validateParameters }

// Threads returns the effective number of worker threads: the requested count
// when one was given, otherwise the host's concurrency. Requests above the
// host's concurrency are returned unchanged. The result is always >= 1.
func (c *Context) Threads() int {
	if c.nthread > 0 {
		return c.nthread
	}
	return max(c.concurrency(), 1)
}

// RNG returns a PRNG for the given training iteration. Without per-iteration
// seeding every iteration gets a generator seeded with Seed.
// The returned generator must not be shared between goroutines.
func (c *Context) RNG(iteration int) *rand.Rand {
	seed := c.seed
	if c.seedPerIteration {
		seed = c.seed*seedMagic + int64(iteration)
	}
	return rand.New(rand.NewSource(seed))
}

// Settings is a serialisable copy of a Context's parameter values.
type Settings struct {
	Seed                int64 `json:"seed"`
	SeedPerIteration    bool  `json:"seed_per_iteration"`
	NThread             int   `json:"nthread"`
	DeviceID            int   `json:"gpu_id"`
	FailOnInvalidDevice bool  `json:"fail_on_invalid_gpu_id"`
	ValidateParameters  bool  `json:"validate_parameters"`
}

// Snapshot returns the current parameter values.
func (c *Context) Snapshot() Settings {
	return Settings{
		Seed:                c.seed,
		SeedPerIteration:    c.seedPerIteration,
		NThread:             c.nthread,
		DeviceID:            c.deviceID,
		FailOnInvalidDevice: c.failOnInvalidDevice,
		ValidateParameters:  c.validateParameters,
	}
}
