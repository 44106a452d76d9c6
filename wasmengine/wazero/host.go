package wazero

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero/api"

	"github.com/modular-rt/modular"
	"github.com/modular-rt/modular/wasmengine"
)

// hostFuncs backs the three functions exported to the guest under the
// "env" host module. mod is set once the guest module it serves has been
// instantiated — registryInvoke needs it to call back into the guest's
// __wm_host_callback_on_* exports, and that can only happen after New has
// finished wiring everything together.
type hostFuncs struct {
	registry modular.Registry
	pending  *wasmengine.PendingCallbacks
	mod      *Module
	log      *logrus.Entry
}

// callbackOnSuccess implements the "env" import a guest calls to deliver
// the successful result of a host-initiated invocation it was handed via
// __wm_module_invoke.
func (h *hostFuncs) callbackOnSuccess(ctx context.Context, m api.Module, idPtr, dataPtr, dataLen uint32) {
	id, ok := h.readCallbackID(m, idPtr)
	if !ok {
		return
	}
	cb, ok := h.pending.Take(id)
	if !ok {
		return
	}

	data, ok := m.Memory().Read(dataPtr, dataLen)
	if !ok {
		cb.OnError(modular.NewCallbackError(modular.WasmMemError, "wasm_mem_error", "__wm_callback_on_success: result out of range"), nil)
		cb.Drop()
		_ = h.mod.freeGuest(ctx, idPtr, 16)
		return
	}

	cb.OnSuccess(append([]byte(nil), data...))
	cb.Drop()
	_ = h.mod.freeGuest(ctx, idPtr, 16)
}

// callbackOnError implements the "env" import a guest calls to deliver the
// error terminal of a host-initiated invocation.
func (h *hostFuncs) callbackOnError(ctx context.Context, m api.Module, idPtr uint32, code int32, namePtr, nameLen, descPtr, descLen, dataPtr, dataLen uint32) {
	id, ok := h.readCallbackID(m, idPtr)
	if !ok {
		return
	}
	cb, ok := h.pending.Take(id)
	if !ok {
		return
	}

	name, _ := m.Memory().Read(namePtr, nameLen)
	desc, _ := m.Memory().Read(descPtr, descLen)
	data, _ := m.Memory().Read(dataPtr, dataLen)

	cb.OnError(modular.NewCallbackError(modular.Code(code), string(name), string(desc)), append([]byte(nil), data...))
	cb.Drop()
	_ = h.mod.freeGuest(ctx, idPtr, 16)
}

func (h *hostFuncs) readCallbackID(m api.Module, idPtr uint32) (wasmengine.CallbackID, bool) {
	raw, ok := m.Memory().Read(idPtr, 16)
	if !ok {
		h.log.Warn("callback id out of range in guest memory")
		return wasmengine.CallbackID{}, false
	}
	id, err := wasmengine.CallbackIDFromBytes(raw)
	if err != nil {
		h.log.WithError(err).Warn("malformed callback id from guest")
		return wasmengine.CallbackID{}, false
	}
	return id, true
}

// registryInvoke implements the "env" import a guest calls to dispatch a
// call through the host modular.Registry, per spec.md §4.6's
// guest-initiated invocation path. callbackID is opaque to the host: it is
// echoed back unchanged on the guest's __wm_host_callback_on_success/error
// export, followed unconditionally by __wm_host_callback_destroy.
//
// This import runs nested inside whatever call already holds the module's
// store guard (the guest can only call it while executing), so it must not
// touch the guard itself. It reads its arguments out of guest memory — a
// plain byte read, not a call into the guest — then hands the actual
// registry call to its own goroutine and returns immediately, letting the
// guest's call stack unwind. Whichever of OnSuccess/OnError fires first
// enqueues the guest re-entry onto the store guard's pump instead of
// calling back into the guest directly, since by the time it fires it may
// be running on an arbitrary goroutine with no claim on the guard.
func (h *hostFuncs) registryInvoke(_ context.Context, m api.Module, pkgPtr, pkgLen, methodPtr, methodLen, dataPtr, dataLen, callbackID uint32) {
	pkgBytes, ok := m.Memory().Read(pkgPtr, pkgLen)
	if !ok {
		h.log.Warn("__wm_registry_invoke: package name out of range")
		return
	}
	methodBytes, ok := m.Memory().Read(methodPtr, methodLen)
	if !ok {
		h.log.Warn("__wm_registry_invoke: method name out of range")
		return
	}
	dataBytes, ok := m.Memory().Read(dataPtr, dataLen)
	if !ok {
		h.log.Warn("__wm_registry_invoke: payload out of range")
		return
	}

	pkg := string(pkgBytes)
	method := string(methodBytes)
	data := append([]byte(nil), dataBytes...)

	go func() {
		cb := modular.FuncCallback{
			OnSuccessFn: func(result []byte) {
				h.mod.guard.Enqueue(func() {
					h.deliverGuestSuccess(context.Background(), callbackID, result)
				})
			},
			OnErrorFn: func(err modular.CallbackError, result []byte) {
				h.mod.guard.Enqueue(func() {
					h.deliverGuestError(context.Background(), callbackID, err, result)
				})
			},
		}
		h.registry.Invoke(context.Background(), pkg, method, data, cb)
	}()
}

func (h *hostFuncs) deliverGuestSuccess(ctx context.Context, callbackID uint32, result []byte) {
	fn := h.mod.guest.ExportedFunction("__wm_host_callback_on_success")
	if fn == nil {
		h.log.Error("guest module does not export __wm_host_callback_on_success")
		return
	}
	slice, dataOffset, dataLen, err := h.mod.writeSlice(ctx, result)
	if err != nil {
		h.log.WithError(err).Error("failed to marshal result for __wm_host_callback_on_success")
		return
	}
	if _, err := fn.Call(ctx, uint64(callbackID), uint64(slice)); err != nil {
		h.log.WithError(err).Warn("guest __wm_host_callback_on_success trapped")
	}
	h.mod.freeSlice(ctx, slice, dataOffset, dataLen)
	h.destroyGuestCallback(ctx, callbackID)
}

func (h *hostFuncs) deliverGuestError(ctx context.Context, callbackID uint32, callErr modular.CallbackError, result []byte) {
	fn := h.mod.guest.ExportedFunction("__wm_host_callback_on_error")
	if fn == nil {
		h.log.Error("guest module does not export __wm_host_callback_on_error")
		return
	}
	nameSlice, namePtr, nameLen, err := h.mod.writeSlice(ctx, []byte(callErr.Name))
	if err != nil {
		h.log.WithError(err).Error("failed to marshal error name for __wm_host_callback_on_error")
		return
	}
	descSlice, descPtr, descLen, err := h.mod.writeSlice(ctx, []byte(callErr.Description))
	if err != nil {
		h.mod.freeSlice(ctx, nameSlice, namePtr, nameLen)
		h.log.WithError(err).Error("failed to marshal error description for __wm_host_callback_on_error")
		return
	}
	dataSlice, dataPtr, dataLen, err := h.mod.writeSlice(ctx, result)
	if err != nil {
		h.mod.freeSlice(ctx, nameSlice, namePtr, nameLen)
		h.mod.freeSlice(ctx, descSlice, descPtr, descLen)
		h.log.WithError(err).Error("failed to marshal error payload for __wm_host_callback_on_error")
		return
	}

	if _, err := fn.Call(ctx, uint64(callbackID), uint64(callErr.Code), uint64(nameSlice), uint64(descSlice), uint64(dataSlice)); err != nil {
		h.log.WithError(err).Warn("guest __wm_host_callback_on_error trapped")
	}
	h.mod.freeSlice(ctx, nameSlice, namePtr, nameLen)
	h.mod.freeSlice(ctx, descSlice, descPtr, descLen)
	h.mod.freeSlice(ctx, dataSlice, dataPtr, dataLen)
	h.destroyGuestCallback(ctx, callbackID)
}

func (h *hostFuncs) destroyGuestCallback(ctx context.Context, callbackID uint32) {
	fn := h.mod.guest.ExportedFunction("__wm_host_callback_destroy")
	if fn == nil {
		return
	}
	if _, err := fn.Call(ctx, uint64(callbackID)); err != nil {
		h.log.WithError(err).Warn("guest __wm_host_callback_destroy trapped")
	}
}
