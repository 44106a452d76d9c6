package modular

import "sync"

// Callback is a one-shot continuation delivered by a module in response to
// Invoke. Exactly one of OnSuccess or OnError must be observed by the
// original issuer of the callback; Drop releases any resources the
// callback owns and is always called exactly once, regardless of whether a
// terminal call occurred.
//
// Implementations erase whether the far end lives in-process, behind a
// loaded shared object, or inside a WASM guest — callers never need to
// know which.
type Callback interface {
	// OnSuccess delivers a successful terminal event. data is borrowed and
	// valid only for the duration of the call.
	OnSuccess(data []byte)
	// OnError delivers a failed terminal event. err and data are borrowed
	// for the duration of the call.
	OnError(err CallbackError, data []byte)
	// Drop releases resources owned by the callback (e.g. guest-side
	// state, native user_data). Callers call it once; the Once wrapper
	// additionally discards any repeated call.
	Drop()
}

// OnSuccessFunc and OnErrorFunc back FuncCallback.
type (
	OnSuccessFunc func(data []byte)
	OnErrorFunc   func(err CallbackError, data []byte)
)

// FuncCallback is the host-local Callback implementation: a plain pair of
// closures, optionally paired with a DropFunc to release user data exactly
// once. This is constructor (a) from spec.md §4.2.
type FuncCallback struct {
	OnSuccessFn OnSuccessFunc
	OnErrorFn   OnErrorFunc
	DropFn      func()
}

func (f FuncCallback) OnSuccess(data []byte) {
	if f.OnSuccessFn != nil {
		f.OnSuccessFn(data)
	}
}

func (f FuncCallback) OnError(err CallbackError, data []byte) {
	if f.OnErrorFn != nil {
		f.OnErrorFn(err, data)
	}
}

func (f FuncCallback) Drop() {
	if f.DropFn != nil {
		f.DropFn()
	}
}

// onceCallback wraps any Callback so that at most one of OnSuccess/OnError
// ever reaches the inner implementation, and Drop reaches it exactly once
// regardless of whether a terminal call occurred. This centralizes the
// double-drop hazard mitigation described in spec.md §4.2 ("the user-data
// pointer embedded in the vtable is set to null before the outer drop
// reclaims it") so every adapter gets the guarantee for free instead of
// re-implementing it.
type onceCallback struct {
	mu       sync.Mutex
	inner    Callback
	fired    bool
	dropped  bool
	onFinish func()
}

// Once wraps cb so that duplicate terminal calls are silently discarded (a
// module that calls on_success twice has its second call dropped on the
// floor, per spec.md §5's "best-effort" ordering guarantee) and Drop is
// forwarded exactly once.
func Once(cb Callback) Callback {
	return &onceCallback{inner: cb}
}

// withFinish wraps cb like Once, additionally invoking onFinish exactly
// once after the terminal event (success or error) has been delivered to
// the inner callback, before Drop runs. The registry uses this to release
// its per-module in-flight refcount at the right moment (see registry.go).
func withFinish(cb Callback, onFinish func()) Callback {
	return &onceCallback{inner: cb, onFinish: onFinish}
}

func (o *onceCallback) OnSuccess(data []byte) {
	o.mu.Lock()
	if o.fired {
		o.mu.Unlock()
		return
	}
	o.fired = true
	finish := o.onFinish
	o.mu.Unlock()

	o.inner.OnSuccess(data)
	if finish != nil {
		finish()
	}
}

func (o *onceCallback) OnError(err CallbackError, data []byte) {
	o.mu.Lock()
	if o.fired {
		o.mu.Unlock()
		return
	}
	o.fired = true
	finish := o.onFinish
	o.mu.Unlock()

	o.inner.OnError(err, data)
	if finish != nil {
		finish()
	}
}

func (o *onceCallback) Drop() {
	o.mu.Lock()
	if o.dropped {
		o.mu.Unlock()
		return
	}
	o.dropped = true
	o.mu.Unlock()

	o.inner.Drop()
}
