//go:build cgo

package wasmer

import (
	"context"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/modular-rt/modular"
	"github.com/modular-rt/modular/wasmengine"
)

func i32s(n int) []wasmer.ValueKind {
	kinds := make([]wasmer.ValueKind, n)
	for i := range kinds {
		kinds[i] = wasmer.I32
	}
	return kinds
}

// envImports builds the three host functions the guest imports under
// "env", mirroring wasmengine/wazero's hostFuncs but expressed in
// wasmer-go's Value-slice calling convention.
func (m *Module) envImports(reg modular.Registry) map[string]wasmer.IntoExtern {
	onSuccess := wasmer.NewFunction(
		m.store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32s(3)...), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			m.handleCallbackOnSuccess(args[0].I32(), args[1].I32(), args[2].I32())
			return nil, nil
		},
	)

	onError := wasmer.NewFunction(
		m.store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32s(8)...), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			m.handleCallbackOnError(
				args[0].I32(), args[1].I32(),
				args[2].I32(), args[3].I32(),
				args[4].I32(), args[5].I32(),
				args[6].I32(), args[7].I32())
			return nil, nil
		},
	)

	registryInvoke := wasmer.NewFunction(
		m.store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32s(7)...), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			m.handleRegistryInvoke(reg,
				args[0].I32(), args[1].I32(),
				args[2].I32(), args[3].I32(),
				args[4].I32(), args[5].I32(),
				args[6].I32())
			return nil, nil
		},
	)

	return map[string]wasmer.IntoExtern{
		"__wm_callback_on_success": onSuccess,
		"__wm_callback_on_error":   onError,
		"__wm_registry_invoke":     registryInvoke,
	}
}

func (m *Module) readCallbackID(idPtr int32) (wasmengine.CallbackID, bool) {
	raw, err := m.readBytes(idPtr, 16)
	if err != nil {
		m.log.WithError(err).Warn("callback id out of range in guest memory")
		return wasmengine.CallbackID{}, false
	}
	id, err := wasmengine.CallbackIDFromBytes(raw)
	if err != nil {
		m.log.WithError(err).Warn("malformed callback id from guest")
		return wasmengine.CallbackID{}, false
	}
	return id, true
}

func (m *Module) handleCallbackOnSuccess(idPtr, dataPtr, dataLen int32) {
	id, ok := m.readCallbackID(idPtr)
	if !ok {
		return
	}
	cb, ok := m.pending.Take(id)
	if !ok {
		return
	}
	data, err := m.readBytes(dataPtr, dataLen)
	if err != nil {
		cb.OnError(modular.NewCallbackError(modular.WasmMemError, "wasm_mem_error", err.Error()), nil)
		cb.Drop()
		_ = m.freeGuest(idPtr, 16)
		return
	}
	cb.OnSuccess(data)
	cb.Drop()
	_ = m.freeGuest(idPtr, 16)
}

func (m *Module) handleCallbackOnError(idPtr, code, namePtr, nameLen, descPtr, descLen, dataPtr, dataLen int32) {
	id, ok := m.readCallbackID(idPtr)
	if !ok {
		return
	}
	cb, ok := m.pending.Take(id)
	if !ok {
		return
	}
	name, _ := m.readBytes(namePtr, nameLen)
	desc, _ := m.readBytes(descPtr, descLen)
	data, _ := m.readBytes(dataPtr, dataLen)
	cb.OnError(modular.NewCallbackError(modular.Code(code), string(name), string(desc)), data)
	cb.Drop()
	_ = m.freeGuest(idPtr, 16)
}

// handleRegistryInvoke runs nested inside whatever call already holds
// m.guard (the guest can only reach this import while executing), so it
// must not touch the guard itself. It reads its arguments directly out of
// guest memory, then hands the registry call to its own goroutine and
// returns immediately, letting the guest's call stack unwind. The eventual
// terminal event is delivered back into the guest by the guard's pump, not
// by whatever goroutine fires it.
func (m *Module) handleRegistryInvoke(reg modular.Registry, pkgPtr, pkgLen, methodPtr, methodLen, dataPtr, dataLen, callbackID int32) {
	pkgBytes, err := m.readBytes(pkgPtr, pkgLen)
	if err != nil {
		m.log.WithError(err).Warn("__wm_registry_invoke: package name out of range")
		return
	}
	methodBytes, err := m.readBytes(methodPtr, methodLen)
	if err != nil {
		m.log.WithError(err).Warn("__wm_registry_invoke: method name out of range")
		return
	}
	data, err := m.readBytes(dataPtr, dataLen)
	if err != nil {
		m.log.WithError(err).Warn("__wm_registry_invoke: payload out of range")
		return
	}

	go func() {
		cb := modular.FuncCallback{
			OnSuccessFn: func(result []byte) {
				m.guard.Enqueue(func() { m.deliverGuestSuccess(callbackID, result) })
			},
			OnErrorFn: func(callErr modular.CallbackError, result []byte) {
				m.guard.Enqueue(func() { m.deliverGuestError(callbackID, callErr, result) })
			},
		}
		reg.Invoke(context.Background(), string(pkgBytes), string(methodBytes), data, cb)
	}()
}

func (m *Module) deliverGuestSuccess(callbackID int32, result []byte) {
	fn, err := m.inst.Exports.GetFunction("__wm_host_callback_on_success")
	if err != nil {
		m.log.WithError(err).Error("guest module does not export __wm_host_callback_on_success")
		return
	}
	slice, dataOffset, dataLen, err := m.writeSlice(result)
	if err != nil {
		m.log.WithError(err).Error("failed to marshal result for __wm_host_callback_on_success")
		return
	}
	if _, err := fn(callbackID, slice); err != nil {
		m.log.WithError(err).Warn("guest __wm_host_callback_on_success trapped")
	}
	m.freeSlice(slice, dataOffset, dataLen)
	m.destroyGuestCallback(callbackID)
}

func (m *Module) deliverGuestError(callbackID int32, callErr modular.CallbackError, result []byte) {
	fn, err := m.inst.Exports.GetFunction("__wm_host_callback_on_error")
	if err != nil {
		m.log.WithError(err).Error("guest module does not export __wm_host_callback_on_error")
		return
	}
	nameSlice, namePtr, nameLen, err := m.writeSlice([]byte(callErr.Name))
	if err != nil {
		m.log.WithError(err).Error("failed to marshal error name for __wm_host_callback_on_error")
		return
	}
	descSlice, descPtr, descLen, err := m.writeSlice([]byte(callErr.Description))
	if err != nil {
		m.freeSlice(nameSlice, namePtr, nameLen)
		m.log.WithError(err).Error("failed to marshal error description for __wm_host_callback_on_error")
		return
	}
	dataSlice, dataPtr, dataLen, err := m.writeSlice(result)
	if err != nil {
		m.freeSlice(nameSlice, namePtr, nameLen)
		m.freeSlice(descSlice, descPtr, descLen)
		m.log.WithError(err).Error("failed to marshal error payload for __wm_host_callback_on_error")
		return
	}

	if _, err := fn(callbackID, int32(callErr.Code), nameSlice, descSlice, dataSlice); err != nil {
		m.log.WithError(err).Warn("guest __wm_host_callback_on_error trapped")
	}
	m.freeSlice(nameSlice, namePtr, nameLen)
	m.freeSlice(descSlice, descPtr, descLen)
	m.freeSlice(dataSlice, dataPtr, dataLen)
	m.destroyGuestCallback(callbackID)
}

func (m *Module) destroyGuestCallback(callbackID int32) {
	fn, err := m.inst.Exports.GetFunction("__wm_host_callback_destroy")
	if err != nil {
		return
	}
	if _, err := fn(callbackID); err != nil {
		m.log.WithError(err).Warn("guest __wm_host_callback_destroy trapped")
	}
}
