// Package engine runs the configuration phase of training sessions and drives
// their iterations. It binds parameters onto an execution context, resolves
// the compute device, persists the resolved session, and later spreads each
// iteration across the context's worker threads.
package engine
