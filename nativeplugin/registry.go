package nativeplugin

import (
	"context"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/modular-rt/modular"
)

// registryState anchors the modular.Registry a NativeRegistry vtable
// forwards into.
type registryState struct {
	registry modular.Registry
}

// newNativeRegistry builds a NativeRegistry vtable over reg, for passing
// into create_module, per spec.md §4.5 step 3. The second return value
// must be kept alive (e.g. via runtime.KeepAlive) until the native call
// that receives the vtable has returned.
func newNativeRegistry(reg modular.Registry) (*NativeRegistry, *registryState) {
	state := &registryState{registry: reg}

	invoke := purego.NewCallback(func(
		instance uintptr,
		pkgPtr, pkgLen, methodPtr, methodLen, dataPtr, dataLen uintptr,
		cbPtr uintptr,
	) {
		st := (*registryState)(unsafe.Pointer(instance))
		pkg := string(readBytes(pkgPtr, pkgLen))
		method := string(readBytes(methodPtr, methodLen))
		data := readBytes(dataPtr, dataLen)
		cb := callbackFromVtable((*NativeCallback)(unsafe.Pointer(cbPtr)))
		st.registry.Invoke(context.Background(), pkg, method, data, cb)
	})

	clone := purego.NewCallback(func(instance uintptr) uintptr {
		st := (*registryState)(unsafe.Pointer(instance))
		cloned, _ := newNativeRegistry(st.registry)
		return uintptr(unsafe.Pointer(cloned))
	})

	nr := &NativeRegistry{
		Instance: uintptr(unsafe.Pointer(state)),
		InvokeFn: invoke,
		CloneFn:  clone,
	}
	return nr, state
}
