package nativeplugin

import (
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/modular-rt/modular"
)

// nativeCallbackState is the Go-side anchor behind a NativeCallback's
// UserData. It exists so the three purego.NewCallback trampolines below
// have somewhere stable to dispatch into; the double-fire and
// exactly-once-drop guarantees themselves come for free from
// modular.Once/withFinish having already wrapped cb before it reaches
// here (see Module.Invoke).
type nativeCallbackState struct {
	cb modular.Callback
}

// newNativeCallback adapts a Go Callback into a NativeCallback vtable
// suitable for passing into a loaded shared object's invoke_fn. This is
// constructor (b) from spec.md §4.2: "a wrapper that adapts a host-local
// callback for FFI transit". The returned func must be called (typically
// via defer) only after the native call that consumed the vtable has
// returned, to keep the Go-side trampolines alive for the duration of the
// call.
func newNativeCallback(cb modular.Callback) (*NativeCallback, func()) {
	state := &nativeCallbackState{cb: cb}

	onSuccess := purego.NewCallback(func(_ uintptr, dataPtr, dataLen uintptr) {
		state.cb.OnSuccess(readBytes(dataPtr, dataLen))
	})
	onError := purego.NewCallback(func(_ uintptr, code uintptr, namePtr, nameLen, descPtr, descLen, dataPtr, dataLen uintptr) {
		err := modular.NewCallbackError(
			modular.Code(int32(code)),
			string(readBytes(namePtr, nameLen)),
			string(readBytes(descPtr, descLen)),
		)
		state.cb.OnError(err, readBytes(dataPtr, dataLen))
	})
	drop := purego.NewCallback(func(_ uintptr) {
		state.cb.Drop()
	})

	nc := &NativeCallback{
		UserData:    uintptr(unsafe.Pointer(state)),
		OnSuccessFn: onSuccess,
		OnErrorFn:   onError,
		DropFn:      drop,
	}
	return nc, func() {
		runtime.KeepAlive(state)
		runtime.KeepAlive(nc)
	}
}

// nativeVtableCallback adapts a NativeCallback vtable received from a
// shared object (e.g. one a native module passes to NativeRegistry's
// invoke_fn) into a Go Callback. This is the mirror of newNativeCallback:
// every call forwards through the vtable's raw function pointers via
// purego.SyscallN.
type nativeVtableCallback struct {
	vtable *NativeCallback
}

func callbackFromVtable(nc *NativeCallback) modular.Callback {
	return &nativeVtableCallback{vtable: nc}
}

func (c *nativeVtableCallback) OnSuccess(data []byte) {
	ptr, length := bytesToPtr(data)
	purego.SyscallN(c.vtable.OnSuccessFn, c.vtable.UserData, ptr, length)
	runtime.KeepAlive(data)
}

func (c *nativeVtableCallback) OnError(err modular.CallbackError, data []byte) {
	nameBytes := []byte(err.Name)
	descBytes := []byte(err.Description)
	namePtr, nameLen := bytesToPtr(nameBytes)
	descPtr, descLen := bytesToPtr(descBytes)
	dataPtr, dataLen := bytesToPtr(data)
	purego.SyscallN(c.vtable.OnErrorFn, c.vtable.UserData, uintptr(uint32(int32(err.Code))), namePtr, nameLen, descPtr, descLen, dataPtr, dataLen)
	runtime.KeepAlive(nameBytes)
	runtime.KeepAlive(descBytes)
	runtime.KeepAlive(data)
}

func (c *nativeVtableCallback) Drop() {
	purego.SyscallN(c.vtable.DropFn, c.vtable.UserData)
}

func readBytes(ptr, length uintptr) []byte {
	if ptr == 0 || length == 0 {
		return nil
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), int(length))
	return append([]byte(nil), buf...)
}

func bytesToPtr(b []byte) (uintptr, uintptr) {
	if len(b) == 0 {
		return 0, 0
	}
	return uintptr(unsafe.Pointer(&b[0])), uintptr(len(b))
}
