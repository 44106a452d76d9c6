// Package guest is the C7 guest-side SDK: the glue a WASM module compiled
// against modular's host/guest ABI needs to satisfy spec.md §4.6, without
// requiring the plugin author to hand-write a single //go:wasmexport or
// //go:wasmimport declaration themselves.
//
// A plugin built on this SDK looks like:
//
//	package main
//
//	import "github.com/modular-rt/modular/guest"
//
//	func init() {
//		guest.SetFactory(func() guest.Module { return &myModule{} })
//	}
//
//	func main() {}
//
// where myModule implements Module. main is required boilerplate for the
// wasip1/wasm build target even though it never runs any logic of its
// own — every real entrypoint is one of this package's //go:wasmexport
// functions, driven by the host.
//
// Every export below receives its byte-slice arguments as an offset into
// an 8-byte {offset,len} struct written into this module's own linear
// memory (the struct-offset convention), matching the host adapters in
// wasmengine/wazero, wasmengine/wasmtime and wasmengine/wasmer. Every
// import this package declares takes flat (ptr, len) scalar pairs,
// matching the same adapters' other half.
package guest

import (
	"encoding/binary"
	"sync"
	"unsafe"
)

// Module is the guest-side counterpart to modular.Module: the business
// logic a plugin author actually writes.
type Module interface {
	Package() string
	Version() string
	Invoke(method string, data []byte, cb Callback)
	Destroy()
}

// Callback is the guest-side counterpart to modular.Callback. Exactly one
// of OnSuccess/OnError may be called, exactly once, followed unconditionally
// by Drop — the same contract spec.md §8 invariant 1 places on the host
// side, mirrored here for symmetry.
type Callback interface {
	OnSuccess(data []byte)
	OnError(code int32, name, description string, data []byte)
	Drop()
}

// FuncCallback is a Callback built from plain closures, for plugin authors
// who would rather not declare a named type per call site.
type FuncCallback struct {
	OnSuccessFn func(data []byte)
	OnErrorFn   func(code int32, name, description string, data []byte)
	DropFn      func()
}

func (c FuncCallback) OnSuccess(data []byte) {
	if c.OnSuccessFn != nil {
		c.OnSuccessFn(data)
	}
}

func (c FuncCallback) OnError(code int32, name, description string, data []byte) {
	if c.OnErrorFn != nil {
		c.OnErrorFn(code, name, description, data)
	}
}

func (c FuncCallback) Drop() {
	if c.DropFn != nil {
		c.DropFn()
	}
}

var (
	mu        sync.Mutex
	factory   func() Module
	instances = map[uint32]Module{}
	nextID    uint32
	arena     = map[uint32][]byte{}
)

// SetFactory registers the constructor __wm_create calls to build a fresh
// Module instance. Call this from an init() or from main() before the host
// has any opportunity to call into the module — in practice, before main
// returns.
func SetFactory(f func() Module) {
	factory = f
}

// Alloc implements __wm_alloc. The returned offset is pinned against
// garbage collection until a matching Free call.
func Alloc(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	buf := make([]byte, n)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	mu.Lock()
	arena[ptr] = buf
	mu.Unlock()
	return ptr
}

// Free implements __wm_free.
func Free(ptr, _ uint32) {
	if ptr == 0 {
		return
	}
	mu.Lock()
	delete(arena, ptr)
	mu.Unlock()
}

// Create implements __wm_create.
func Create() uint32 {
	mu.Lock()
	defer mu.Unlock()
	nextID++
	id := nextID
	instances[id] = factory()
	return id
}

func lookup(instance uint32) Module {
	mu.Lock()
	defer mu.Unlock()
	return instances[instance]
}

// ModulePackage implements __wm_module_package.
func ModulePackage(instance, outPtrCell, outLenCell uint32) {
	if m := lookup(instance); m != nil {
		writeOutString(m.Package(), outPtrCell, outLenCell)
	}
}

// ModuleVersion implements __wm_module_version.
func ModuleVersion(instance, outPtrCell, outLenCell uint32) {
	if m := lookup(instance); m != nil {
		writeOutString(m.Version(), outPtrCell, outLenCell)
	}
}

// ModuleDestroy implements __wm_module_destroy.
func ModuleDestroy(instance uint32) {
	mu.Lock()
	m := instances[instance]
	delete(instances, instance)
	mu.Unlock()
	if m != nil {
		m.Destroy()
	}
}

// ModuleInvoke implements __wm_module_invoke: decode method and data out
// of their slice structs, then forward into the looked-up instance with a
// Callback bound to the 16-byte id the host wrote at callbackIDPtr.
func ModuleInvoke(instance, methodSlice, dataSlice, callbackIDPtr uint32) {
	m := lookup(instance)
	if m == nil {
		return
	}
	method := string(readSlice(methodSlice))
	data := readSlice(dataSlice)
	m.Invoke(method, data, &hostCallback{idPtr: callbackIDPtr})
}

// hostCallback adapts a host-initiated invocation into the two
// env.__wm_callback_on_* imports, tagged with the id the host minted for
// it. It fires at most once; a second OnSuccess/OnError call is a no-op,
// mirroring the host-side onceCallback guarantee.
type hostCallback struct {
	idPtr uint32
	once  sync.Once
}

func (c *hostCallback) OnSuccess(data []byte) {
	c.once.Do(func() {
		ptr, length := writeBytes(data)
		callbackOnSuccess(c.idPtr, ptr, length)
	})
}

func (c *hostCallback) OnError(code int32, name, description string, data []byte) {
	c.once.Do(func() {
		namePtr, nameLen := writeBytes([]byte(name))
		descPtr, descLen := writeBytes([]byte(description))
		dataPtr, dataLen := writeBytes(data)
		callbackOnError(c.idPtr, code, namePtr, nameLen, descPtr, descLen, dataPtr, dataLen)
	})
}

func (c *hostCallback) Drop() {}

// RegistryInvoke calls another module through the host's registry,
// delivering exactly one terminal event to cb, per spec.md §4.6's
// guest-initiated invocation path.
func RegistryInvoke(pkg, method string, data []byte, cb Callback) {
	id := addPendingGuestCallback(cb)
	pkgPtr, pkgLen := writeBytes([]byte(pkg))
	methodPtr, methodLen := writeBytes([]byte(method))
	dataPtr, dataLen := writeBytes(data)
	registryInvoke(pkgPtr, pkgLen, methodPtr, methodLen, dataPtr, dataLen, id)
}

var (
	pendingMu   sync.Mutex
	pendingNext uint32
	pending     = map[uint32]Callback{}
)

func addPendingGuestCallback(cb Callback) uint32 {
	pendingMu.Lock()
	defer pendingMu.Unlock()
	pendingNext++
	id := pendingNext
	pending[id] = cb
	return id
}

func takePendingGuestCallback(id uint32) (Callback, bool) {
	pendingMu.Lock()
	defer pendingMu.Unlock()
	cb, ok := pending[id]
	if ok {
		delete(pending, id)
	}
	return cb, ok
}

// HostCallbackOnSuccess implements __wm_host_callback_on_success: the host
// delivering the successful result of a call this guest dispatched via
// RegistryInvoke. The callback is dropped right after its terminal event.
func HostCallbackOnSuccess(callbackID, dataSlice uint32) {
	cb, ok := takePendingGuestCallback(callbackID)
	if !ok {
		return
	}
	cb.OnSuccess(readSlice(dataSlice))
	cb.Drop()
}

// HostCallbackOnError implements __wm_host_callback_on_error. The callback
// is dropped right after its terminal event.
func HostCallbackOnError(callbackID uint32, code int32, nameSlice, descSlice, dataSlice uint32) {
	cb, ok := takePendingGuestCallback(callbackID)
	if !ok {
		return
	}
	cb.OnError(code, string(readSlice(nameSlice)), string(readSlice(descSlice)), readSlice(dataSlice))
	cb.Drop()
}

// HostCallbackDestroy implements __wm_host_callback_destroy: the host sends
// it unconditionally after on_success/on_error. It drops the callback only
// if it is still pending (no terminal event reached it); a callback that
// already received one was dropped then, so Drop runs exactly once either way.
func HostCallbackDestroy(callbackID uint32) {
	if cb, ok := takePendingGuestCallback(callbackID); ok {
		cb.Drop()
	}
}

func writeOutString(s string, outPtrCell, outLenCell uint32) {
	ptr, length := writeBytes([]byte(s))
	writeU32(outPtrCell, ptr)
	writeU32(outLenCell, length)
}

func writeBytes(data []byte) (ptr, length uint32) {
	if len(data) == 0 {
		return 0, 0
	}
	ptr = Alloc(uint32(len(data)))
	copy(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), len(data)), data)
	return ptr, uint32(len(data))
}

func readSlice(structOffset uint32) []byte {
	offset := readU32(structOffset)
	length := readU32(structOffset + 4)
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(offset))), length)
}

func readU32(offset uint32) uint32 {
	return binary.LittleEndian.Uint32(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(offset))), 4))
}

func writeU32(offset uint32, v uint32) {
	binary.LittleEndian.PutUint32(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(offset))), 4), v)
}
