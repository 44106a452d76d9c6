//go:build wasip1

package guest

// This file holds every //go:wasmexport and //go:wasmimport declaration
// the guest ABI needs. It is isolated behind a wasip1 build constraint so
// the rest of this package — the Module/Callback contracts, the
// allocator, the pending-callback tables — stays host-testable with a
// normal `go test`, which a package containing a body-less
// go:wasmimport function cannot otherwise be.

//go:wasmimport env __wm_callback_on_success
func callbackOnSuccess(idPtr, dataPtr, dataLen uint32)

//go:wasmimport env __wm_callback_on_error
func callbackOnError(idPtr uint32, code int32, namePtr, nameLen, descPtr, descLen, dataPtr, dataLen uint32)

//go:wasmimport env __wm_registry_invoke
func registryInvoke(pkgPtr, pkgLen, methodPtr, methodLen, dataPtr, dataLen, callbackID uint32)

//go:wasmexport __wm_alloc
func wmAlloc(n uint32) uint32 { return Alloc(n) }

//go:wasmexport __wm_free
func wmFree(ptr, n uint32) { Free(ptr, n) }

//go:wasmexport __wm_create
func wmCreate() uint32 { return Create() }

//go:wasmexport __wm_module_package
func wmModulePackage(instance, outPtrCell, outLenCell uint32) {
	ModulePackage(instance, outPtrCell, outLenCell)
}

//go:wasmexport __wm_module_version
func wmModuleVersion(instance, outPtrCell, outLenCell uint32) {
	ModuleVersion(instance, outPtrCell, outLenCell)
}

//go:wasmexport __wm_module_invoke
func wmModuleInvoke(instance, methodSlice, dataSlice, callbackIDPtr uint32) {
	ModuleInvoke(instance, methodSlice, dataSlice, callbackIDPtr)
}

//go:wasmexport __wm_module_destroy
func wmModuleDestroy(instance uint32) { ModuleDestroy(instance) }

//go:wasmexport __wm_host_callback_on_success
func wmHostCallbackOnSuccess(callbackID, dataSlice uint32) {
	HostCallbackOnSuccess(callbackID, dataSlice)
}

//go:wasmexport __wm_host_callback_on_error
func wmHostCallbackOnError(callbackID uint32, code int32, nameSlice, descSlice, dataSlice uint32) {
	HostCallbackOnError(callbackID, code, nameSlice, descSlice, dataSlice)
}

//go:wasmexport __wm_host_callback_destroy
func wmHostCallbackDestroy(callbackID uint32) { HostCallbackDestroy(callbackID) }
