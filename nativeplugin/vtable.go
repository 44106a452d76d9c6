// Package nativeplugin is the C5 native library adapter: it loads a
// shared object, resolves its `create_module` factory symbol, and binds
// the returned module vtable into a modular.Registry, per spec.md §4.5.
//
// Every struct in this file is a C-layout vtable crossing the FFI
// boundary: an opaque instance pointer plus a fixed set of function
// pointers, exactly the pattern spec.md §9 calls out ("model every
// crossable polymorphic type as a C-layout struct of function pointers
// with an opaque instance pointer and an explicit drop_fn"). Small structs
// (ByteSlice) that a real C compiler would return in registers are instead
// written through caller-supplied out-parameter pointers here, mirroring
// the two-cell convention spec.md §4.6 already specifies for the WASM
// side — purego's raw syscall trampoline does not give us a portable way
// to receive a register-packed struct return, so both adapters use the
// same out-param idiom instead of two different ones.
package nativeplugin

import "github.com/modular-rt/modular"

// NativeByteSlice is the native ABI's byte-slice type. It is identical in
// layout and semantics to modular.ByteSlice; kept as an alias so call
// sites in this package read in terms of the ABI name spec.md §4.1 uses.
type NativeByteSlice = modular.ByteSlice

// NativeCallback is the C-layout vtable for a callback crossing into or
// out of a loaded shared object, per spec.md §4.2 and §6.
//
//	on_success_fn(user_data uintptr, data NativeByteSlice)
//	on_error_fn(user_data uintptr, code int32, name, description, data NativeByteSlice)
//	drop_fn(user_data uintptr)
//
// data/name/description are passed as (ptr, len) pairs rather than a
// NativeByteSlice value for the same register-return-avoidance reason
// described above: a value-type struct argument is comparatively safe to
// pass (it's pushed/loaded, not returned), but splitting it keeps the
// calling convention uniform across every function in this file.
type NativeCallback struct {
	UserData    uintptr
	OnSuccessFn uintptr
	OnErrorFn   uintptr
	DropFn      uintptr
}

// NativeModule is the C-layout vtable a shared object's create_module
// returns, per spec.md §6.
type NativeModule struct {
	Instance  uintptr
	PackageFn uintptr // fn(instance uintptr, outPtr, outLen *uintptr)
	VersionFn uintptr // fn(instance uintptr, outPtr, outLen *uintptr)
	InvokeFn  uintptr // fn(instance, methodPtr, methodLen, dataPtr, dataLen uintptr, cb *NativeCallback)
	RunFn     uintptr // optional; 0 means "no self-driven lifecycle". fn(instance uintptr) int32
	DestroyFn uintptr // fn(instance uintptr)
}

// NativeRegistry is the C-layout vtable handed to create_module, mirroring
// registry operations as function pointers over an opaque instance, per
// spec.md §6.
type NativeRegistry struct {
	Instance uintptr
	InvokeFn uintptr // fn(instance, pkgPtr, pkgLen, methodPtr, methodLen, dataPtr, dataLen uintptr, cb *NativeCallback)
	CloneFn  uintptr // fn(instance uintptr) *NativeRegistry
}
