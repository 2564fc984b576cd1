// Package execctx provides the runtime execution context of a training or
// prediction session: the PRNG seed, the worker thread count and the compute
// device, together with the policies that turn partially specified settings
// into concrete values before execution begins.
package execctx
