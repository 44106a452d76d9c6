//go:build cgo

package wasmer

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/modular-rt/modular"
	"github.com/modular-rt/modular/wasmengine"
)

// Invoke mirrors wasmengine/wazero.Module.Invoke and
// wasmengine/wasmtime.Module.Invoke: mint a CallbackID, write
// method/data/id into guest memory, call __wm_module_invoke, and wait for
// the guest to deliver exactly one terminal event. The whole sequence runs
// under m.guard, serializing concurrent Invoke calls against the same
// store the way wasmer-go itself does not.
func (m *Module) Invoke(_ context.Context, method string, data []byte, cb modular.Callback) {
	wrapped := modular.Once(cb)
	if method == "" || !utf8.ValidString(method) {
		wrapped.OnError(modular.NewCallbackError(modular.FfiInvalidMethodName, "", "method name must be non-empty valid UTF-8"), nil)
		wrapped.Drop()
		return
	}

	m.guard.Lock()
	defer m.guard.Unlock()

	methodSlice, methodPtr, methodLen, err := m.writeSlice([]byte(method))
	if err != nil {
		m.failInvoke(wrapped, err)
		return
	}
	dataSlice, dataPtr, dataLen, err := m.writeSlice(data)
	if err != nil {
		m.freeSlice(methodSlice, methodPtr, methodLen)
		m.failInvoke(wrapped, err)
		return
	}

	id := wasmengine.NewCallbackID()
	idPtr, err := m.allocGuest(int32(len(id)))
	if err != nil {
		m.freeSlice(methodSlice, methodPtr, methodLen)
		m.freeSlice(dataSlice, dataPtr, dataLen)
		m.failInvoke(wrapped, err)
		return
	}
	if err := m.writeBytes(idPtr, id[:]); err != nil {
		m.freeSlice(methodSlice, methodPtr, methodLen)
		m.freeSlice(dataSlice, dataPtr, dataLen)
		_ = m.freeGuest(idPtr, int32(len(id)))
		m.failInvoke(wrapped, err)
		return
	}

	m.pending.Add(id, wrapped)

	_, err = m.invokeFn(m.instance, methodSlice, dataSlice, idPtr)

	m.freeSlice(methodSlice, methodPtr, methodLen)
	m.freeSlice(dataSlice, dataPtr, dataLen)

	if err != nil {
		if waiting, ok := m.pending.Take(id); ok {
			_ = m.freeGuest(idPtr, int32(len(id)))
			waiting.OnError(modular.NewCallbackError(modular.WasmInvokeError, "wasm_trap", fmt.Sprintf("%s: __wm_module_invoke trapped: %v", m.pkg, err)), nil)
			waiting.Drop()
		}
	}
}

func (m *Module) failInvoke(cb modular.Callback, err error) {
	cb.OnError(modular.NewCallbackError(modular.WasmMemError, "wasm_mem_error", fmt.Sprintf("%s: __wm_module_invoke: %v", m.pkg, err)), nil)
	cb.Drop()
}
