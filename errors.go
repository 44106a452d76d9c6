package modular

import (
	"fmt"
	"math"
)

// Code is a stable, FFI-safe error code. Every code outside the fixed core
// set below is left to module-defined errors; the core never allocates one
// of its own outside that set.
type Code int32

// The fixed core error codes. Names and values are part of the ABI and must
// never change once published.
const (
	NoError                Code = 0
	RegistryAlreadyRunning Code = math.MinInt32
	ModuleNotFound         Code = math.MinInt32 + 1
	FfiInvalidMethodName   Code = math.MinInt32 + 2
	WasmMemError           Code = -10000
	WasmInvokeError        Code = -10001
)

// name returns the stable machine-readable tag for a core code. Unknown
// (module-defined) codes render as "module_error".
func (c Code) name() string {
	switch c {
	case NoError:
		return "no_error"
	case RegistryAlreadyRunning:
		return "registry_already_running"
	case ModuleNotFound:
		return "module_not_found"
	case FfiInvalidMethodName:
		return "ffi_invalid_method_name"
	case WasmMemError:
		return "wasm_mem_error"
	case WasmInvokeError:
		return "wasm_invoke_error"
	default:
		return "module_error"
	}
}

func (c Code) String() string {
	return c.name()
}

// CallbackError is the error shape delivered through Callback.OnError. It
// implements the error interface so callers can use errors.As to recover
// the structured code, name and description.
type CallbackError struct {
	Code        Code
	Name        string
	Description string
}

// NewCallbackError builds a CallbackError, defaulting Name to the code's
// stable tag when the caller doesn't supply one.
func NewCallbackError(code Code, name, description string) CallbackError {
	if name == "" {
		name = code.name()
	}
	return CallbackError{Code: code, Name: name, Description: description}
}

func (e CallbackError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("%s (code %d)", e.Name, e.Code)
	}
	return fmt.Sprintf("%s: %s (code %d)", e.Name, e.Description, e.Code)
}

// errModuleNotFound synthesizes the callback error the registry delivers
// when invoke targets an absent package. It is never returned from
// Registry.Invoke itself — see spec.md §7's propagation policy.
func errModuleNotFound(pkg string) CallbackError {
	return NewCallbackError(ModuleNotFound, "Module not found", fmt.Sprintf("no module registered under package %q", pkg))
}

// errInvalidMethodName builds a FfiInvalidMethodName callback error for a
// method name that cannot be interpreted as UTF-8, or is empty. The adapters
// in nativeplugin and wasmengine do not call it; they build their own with
// NewCallbackError, whose Name defaults to "ffi_invalid_method_name".
func errInvalidMethodName(reason string) CallbackError {
	return NewCallbackError(FfiInvalidMethodName, "Invalid method name", reason)
}

// ErrRegistryAlreadyRunning is returned synchronously by Registry.Run on
// re-entry. Unlike the callback errors above, this is a Go error returned
// directly from the call, matching spec.md §7's propagation policy.
type ErrRegistryAlreadyRunning struct{}

func (ErrRegistryAlreadyRunning) Error() string {
	return RegistryAlreadyRunning.name()
}
