// Package wasmengine is the C6 WebAssembly-guest adapter: it compiles guest
// bytecode against a fixed host/guest ABI and binds the result into a
// modular.Registry, the WASM counterpart to nativeplugin's shared-object
// adapter.
//
// The ABI has two halves. The guest exports a fixed set of functions the
// host calls to drive the module (__wm_create, __wm_module_invoke, ...),
// using byte-slice arguments packed as an 8-byte {offset,len} struct
// written into guest memory — the struct-offset convention, used because
// the host is the one allocating guest memory on the guest's behalf and a
// single offset keeps every export's parameter list short. The host
// exports a fixed set of functions the guest imports under the "env"
// module to call back into the host (__wm_callback_on_success,
// __wm_registry_invoke, ...), using flat (ptr, len) scalar pairs — the
// guest already has its own data at hand, so there is nothing to gain from
// wrapping it in a struct it would have to build itself.
//
// A host-initiated invocation (host calling into guest) is identified by a
// 128-bit id the host mints and writes into guest memory before the call;
// the guest hands that same id back unchanged when it eventually calls one
// of the __wm_callback_on_* imports, and the host looks it up in its
// PendingCallbacks table. A guest-initiated invocation (guest calling
// __wm_registry_invoke) carries an id the guest itself chose and that is
// opaque to the host — the host simply echoes it back on the matching
// __wm_host_callback_on_success/on_error export before unconditionally
// calling __wm_host_callback_destroy.
package wasmengine

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/modular-rt/modular"
)

// Engine compiles WASM guest bytecode into a modular.Module bound to reg.
// It is implemented once per underlying WASM runtime (wazero, wasmtime,
// wasmer), mirroring how the teacher's wapc.Engine is implemented once per
// engine package.
type Engine interface {
	Name() string
	New(ctx context.Context, code []byte, reg modular.Registry) (modular.Module, error)
}

// CallbackID is the 128-bit identifier a host-initiated invocation is
// tagged with while it is in flight.
type CallbackID [16]byte

// NewCallbackID mints a fresh identifier for a host-initiated invocation.
func NewCallbackID() CallbackID {
	return CallbackID(uuid.New())
}

// CallbackIDFromBytes decodes a 16-byte buffer read back out of guest
// memory into a CallbackID.
func CallbackIDFromBytes(b []byte) (CallbackID, error) {
	var id CallbackID
	if len(b) != len(id) {
		return id, fmt.Errorf("wasmengine: callback id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// PendingCallbacks tracks the modular.Callback waiting on each in-flight
// host-initiated invocation, keyed by the CallbackID the host minted for
// it. Every engine package shares this table type so the exactly-once
// lookup-and-remove semantics only need to be gotten right once.
type PendingCallbacks struct {
	mu    sync.Mutex
	table map[CallbackID]modular.Callback
}

// NewPendingCallbacks constructs an empty table.
func NewPendingCallbacks() *PendingCallbacks {
	return &PendingCallbacks{table: make(map[CallbackID]modular.Callback)}
}

// Add registers cb as awaiting delivery under id.
func (p *PendingCallbacks) Add(id CallbackID, cb modular.Callback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.table[id] = cb
}

// Take removes and returns the callback registered under id, if any. The
// guest is expected to deliver at most one terminal event per id; Take's
// removal is what makes a second delivery for the same id a no-op instead
// of a double-fire.
func (p *PendingCallbacks) Take(id CallbackID) (modular.Callback, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cb, ok := p.table[id]
	if ok {
		delete(p.table, id)
	}
	return cb, ok
}

// Len reports the number of invocations still awaiting delivery. Used by
// Module.Destroy to decide whether a guest left callbacks dangling.
func (p *PendingCallbacks) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.table)
}

// StoreGuard serializes every entry point into one WASM store. Spec.md §5
// treats a guest instance as single-threaded, but modular.Module.Invoke
// may legitimately be called concurrently from arbitrary goroutines, and a
// guest-initiated call (__wm_registry_invoke) needs to re-enter the guest
// later to deliver its result without racing whatever else is touching the
// store at that moment. Every engine package holds one StoreGuard per
// Module and routes all guest/linear-memory access through it:
//
//   - Lock/Unlock around a direct call into the store (Invoke, Destroy,
//     construction in New).
//   - Enqueue to hand a guest re-entry (the terminal callback of a
//     guest-initiated registry call) to the dedicated pump goroutine,
//     which alone calls back into the guest and always does so with the
//     mutex held — exactly like every other entry point.
//
// The registry call a guest-initiated invocation triggers runs on its own
// goroutine, separate from both the pump and whichever goroutine called
// Invoke, so the guest's own call stack can unwind immediately instead of
// blocking on however long the target module takes to answer.
type StoreGuard struct {
	mu   sync.Mutex
	work chan func()
	done chan struct{}
	stop sync.Once
}

// NewStoreGuard constructs a guard and starts its pump goroutine. Callers
// must call Stop once the store is torn down.
func NewStoreGuard() *StoreGuard {
	g := &StoreGuard{
		work: make(chan func(), 64),
		done: make(chan struct{}),
	}
	go g.pump()
	return g
}

func (g *StoreGuard) pump() {
	for {
		select {
		case fn := <-g.work:
			g.mu.Lock()
			fn()
			g.mu.Unlock()
		case <-g.done:
			return
		}
	}
}

// Lock acquires the guard. Pair with a deferred Unlock around any direct
// call into the store.
func (g *StoreGuard) Lock() { g.mu.Lock() }

// Unlock releases the guard.
func (g *StoreGuard) Unlock() { g.mu.Unlock() }

// Enqueue hands fn to the pump goroutine, which runs it under the guard's
// mutex at some later point, serialized against every other store access.
// If the guard has already been stopped, fn is dropped.
func (g *StoreGuard) Enqueue(fn func()) {
	select {
	case <-g.done:
		return
	default:
	}
	select {
	case g.work <- fn:
	case <-g.done:
	}
}

// Stop shuts down the pump goroutine. Safe to call more than once.
func (g *StoreGuard) Stop() {
	g.stop.Do(func() { close(g.done) })
}

// encodeSlice packs a guest (offset, len) pair into the 8-byte little
// endian struct layout the export-side ABI passes byte slices as.
func encodeSlice(offset, length uint32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], offset)
	binary.LittleEndian.PutUint32(buf[4:8], length)
	return buf
}

// decodeSlice unpacks the 8-byte struct layout encodeSlice produces.
func decodeSlice(buf []byte) (offset, length uint32) {
	return binary.LittleEndian.Uint32(buf[0:4]), binary.LittleEndian.Uint32(buf[4:8])
}

// wrapTrap adapts an underlying runtime's call error into the
// WasmInvokeError callback error code, per spec.md §4.6.
func wrapTrap(pkg, fn string, err error) modular.CallbackError {
	return modular.NewCallbackError(modular.WasmInvokeError, "wasm_trap",
		fmt.Sprintf("%s: %s trapped: %v", pkg, fn, err))
}

// wrapMem adapts a guest memory access failure (out-of-bounds read/write)
// into the WasmMemError callback error code.
func wrapMem(pkg, fn string, offset, length uint32) modular.CallbackError {
	return modular.NewCallbackError(modular.WasmMemError, "wasm_mem_error",
		fmt.Sprintf("%s: %s: memory access out of range at offset %d length %d", pkg, fn, offset, length))
}
