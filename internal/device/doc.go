// Package device enumerates the accelerator devices visible to the process.
// Providers probe one source of truth each (an environment variable, device
// nodes, a fixed count) and a Registry selects the provider a deployment uses.
package device
