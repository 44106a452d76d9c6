package modular

import "context"

// Module is the uniform contract every plugin — native or WASM — presents
// to the Registry, per spec.md §4.3. Implementations are required to be
// safe for concurrent use: the registry may call Invoke from any
// goroutine, and Run executes on a dedicated goroutine of its own.
type Module interface {
	// Package returns the module's unique registry key. Stable for the
	// lifetime of the module.
	Package() string
	// Version returns the module's version string. Stable for the
	// lifetime of the module.
	Version() string
	// Run performs the module's optional self-driven lifecycle. A module
	// with nothing to run returns nil immediately. Run may block
	// indefinitely and may issue Registry.Invoke calls of its own. Errors
	// are reported only by log — the return is the sole completion signal
	// the registry acts on (it only cares that Run returned).
	Run(ctx context.Context) error
	// Invoke handles one request. It consumes cb and must arrange for
	// exactly one terminal call on it, synchronously or asynchronously.
	Invoke(ctx context.Context, method string, data []byte, cb Callback)
	// Destroy releases all resources held by the module, including any
	// pending internal state. Called exactly once by the owning adapter
	// at module teardown, after every in-flight Invoke naming this module
	// has delivered its terminal callback.
	Destroy()
}

// NoopRun is embeddable by Module implementations that have no self-driven
// lifecycle, mirroring spec.md §4.3's "run is optional".
type NoopRun struct{}

func (NoopRun) Run(context.Context) error { return nil }
