//go:build !wasip1

package guest

// On a non-wasm build there is no host to import these three functions
// from, so this file stands in for abi_wasip1.go: it gives
// callbackOnSuccess/callbackOnError/registryInvoke real bodies (routed
// through hook variables a test can set) instead of the bare
// go:wasmimport declarations, which only the Go compiler's wasip1 target
// accepts. This is what makes `go test ./guest/...` possible at all.
var (
	callbackOnSuccessHook func(idPtr, dataPtr, dataLen uint32)
	callbackOnErrorHook   func(idPtr uint32, code int32, namePtr, nameLen, descPtr, descLen, dataPtr, dataLen uint32)
	registryInvokeHook    func(pkgPtr, pkgLen, methodPtr, methodLen, dataPtr, dataLen, callbackID uint32)
)

func callbackOnSuccess(idPtr, dataPtr, dataLen uint32) {
	if callbackOnSuccessHook != nil {
		callbackOnSuccessHook(idPtr, dataPtr, dataLen)
	}
}

func callbackOnError(idPtr uint32, code int32, namePtr, nameLen, descPtr, descLen, dataPtr, dataLen uint32) {
	if callbackOnErrorHook != nil {
		callbackOnErrorHook(idPtr, code, namePtr, nameLen, descPtr, descLen, dataPtr, dataLen)
	}
}

func registryInvoke(pkgPtr, pkgLen, methodPtr, methodLen, dataPtr, dataLen, callbackID uint32) {
	if registryInvokeHook != nil {
		registryInvokeHook(pkgPtr, pkgLen, methodPtr, methodLen, dataPtr, dataLen, callbackID)
	}
}
