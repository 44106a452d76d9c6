// Package wazero implements wasmengine.Engine on top of
// github.com/tetratelabs/wazero, the pure-Go WASM runtime. This is the
// default, always-available engine: no cgo, no external runtime library.
package wazero

import (
	"context"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/modular-rt/modular"
	"github.com/modular-rt/modular/wasmengine"
)

type runtimeEngine struct{}

// Engine returns the wazero-backed wasmengine.Engine.
func Engine() wasmengine.Engine { return runtimeEngine{} }

func (runtimeEngine) Name() string { return "wazero" }

// New compiles and instantiates code against reg, resolving the fixed set
// of guest exports spec.md §4.6 requires before returning.
func (runtimeEngine) New(ctx context.Context, code []byte, reg modular.Registry) (modular.Module, error) {
	r := wazero.NewRuntime(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasmengine/wazero: instantiate wasi: %w", err)
	}

	pending := wasmengine.NewPendingCallbacks()
	guard := wasmengine.NewStoreGuard()
	host := &hostFuncs{
		registry: reg,
		pending:  pending,
		log:      logrus.WithField("component", "wasmengine/wazero"),
	}

	if _, err := r.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(host.callbackOnSuccess).Export("__wm_callback_on_success").
		NewFunctionBuilder().WithFunc(host.callbackOnError).Export("__wm_callback_on_error").
		NewFunctionBuilder().WithFunc(host.registryInvoke).Export("__wm_registry_invoke").
		Instantiate(ctx); err != nil {
		guard.Stop()
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasmengine/wazero: build env host module: %w", err)
	}

	guest, err := r.InstantiateWithConfig(ctx, code, wazero.NewModuleConfig())
	if err != nil {
		guard.Stop()
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasmengine/wazero: instantiate guest module: %w", err)
	}

	m := &Module{
		runtime: r,
		guest:   guest,
		pending: pending,
		guard:   guard,
		host:    host,
		log:     logrus.WithField("component", "wasmengine/wazero"),
	}
	host.mod = m

	exports := []struct {
		name string
		dst  *api.Function
	}{
		{"__wm_alloc", &m.allocFn},
		{"__wm_free", &m.freeFn},
		{"__wm_create", &m.createFn},
		{"__wm_module_package", &m.pkgFn},
		{"__wm_module_version", &m.versionFn},
		{"__wm_module_invoke", &m.invokeFn},
		{"__wm_module_destroy", &m.destroyFn},
	}
	for _, e := range exports {
		fn := guest.ExportedFunction(e.name)
		if fn == nil {
			guard.Stop()
			_ = guest.Close(ctx)
			_ = r.Close(ctx)
			return nil, fmt.Errorf("wasmengine/wazero: guest module missing required export %s", e.name)
		}
		*e.dst = fn
	}

	guard.Lock()
	results, err := m.createFn.Call(ctx)
	guard.Unlock()
	if err != nil {
		guard.Stop()
		_ = guest.Close(ctx)
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasmengine/wazero: __wm_create: %w", err)
	}
	m.instance = uint32(results[0])

	guard.Lock()
	m.pkg, err = m.readExportString(ctx, m.pkgFn)
	guard.Unlock()
	if err != nil {
		guard.Stop()
		_ = guest.Close(ctx)
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasmengine/wazero: __wm_module_package: %w", err)
	}

	guard.Lock()
	m.version, err = m.readExportString(ctx, m.versionFn)
	guard.Unlock()
	if err != nil {
		guard.Stop()
		_ = guest.Close(ctx)
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasmengine/wazero: __wm_module_version: %w", err)
	}

	return m, nil
}

// Module is the wazero-backed modular.Module for a single guest instance.
type Module struct {
	modular.NoopRun

	pkg, version string

	runtime wazero.Runtime
	guest   api.Module
	host    *hostFuncs
	pending *wasmengine.PendingCallbacks
	guard   *wasmengine.StoreGuard

	instance uint32

	allocFn, freeFn, createFn, pkgFn, versionFn, invokeFn, destroyFn api.Function

	closeOnce sync.Once
	log       *logrus.Entry
}

func (m *Module) Package() string { return m.pkg }
func (m *Module) Version() string { return m.version }

// Invoke sends method/data into the guest's __wm_module_invoke export,
// tagged with a freshly minted CallbackID the guest must echo back through
// one of the env.__wm_callback_on_* imports exactly once. The whole
// sequence runs under m.guard: guest instances are single-threaded, so two
// concurrent Invoke calls on the same Module must never touch the
// allocator or linear memory at the same time.
func (m *Module) Invoke(ctx context.Context, method string, data []byte, cb modular.Callback) {
	wrapped := modular.Once(cb)
	if method == "" || !utf8.ValidString(method) {
		wrapped.OnError(modular.NewCallbackError(modular.FfiInvalidMethodName, "", "method name must be non-empty valid UTF-8"), nil)
		wrapped.Drop()
		return
	}

	m.guard.Lock()
	defer m.guard.Unlock()

	methodSlice, methodPtr, methodLen, err := m.writeSlice(ctx, []byte(method))
	if err != nil {
		m.failInvoke(wrapped, "__wm_module_invoke", err)
		return
	}
	dataSlice, dataPtr, dataLen, err := m.writeSlice(ctx, data)
	if err != nil {
		_ = m.freeGuest(ctx, methodPtr, methodLen)
		_ = m.freeGuest(ctx, methodSlice, 8)
		m.failInvoke(wrapped, "__wm_module_invoke", err)
		return
	}

	id := wasmengine.NewCallbackID()
	idPtr, err := m.allocGuest(ctx, uint32(len(id)))
	if err != nil {
		m.freeSlice(ctx, methodSlice, methodPtr, methodLen)
		m.freeSlice(ctx, dataSlice, dataPtr, dataLen)
		m.failInvoke(wrapped, "__wm_module_invoke", err)
		return
	}
	if !m.guest.Memory().Write(idPtr, id[:]) {
		m.freeSlice(ctx, methodSlice, methodPtr, methodLen)
		m.freeSlice(ctx, dataSlice, dataPtr, dataLen)
		_ = m.freeGuest(ctx, idPtr, uint32(len(id)))
		m.failInvoke(wrapped, "__wm_module_invoke", fmt.Errorf("failed to write callback id into guest memory"))
		return
	}

	m.pending.Add(id, wrapped)

	_, err = m.invokeFn.Call(ctx, uint64(m.instance), uint64(methodSlice), uint64(dataSlice), uint64(idPtr))

	m.freeSlice(ctx, methodSlice, methodPtr, methodLen)
	m.freeSlice(ctx, dataSlice, dataPtr, dataLen)

	if err != nil {
		if waiting, ok := m.pending.Take(id); ok {
			_ = m.freeGuest(ctx, idPtr, uint32(len(id)))
			waiting.OnError(traplike(m.pkg, "__wm_module_invoke", err), nil)
			waiting.Drop()
		}
	}
}

func (m *Module) failInvoke(cb modular.Callback, fn string, err error) {
	cb.OnError(modular.NewCallbackError(modular.WasmMemError, "wasm_mem_error", fmt.Sprintf("%s: %s: %v", m.pkg, fn, err)), nil)
	cb.Drop()
}

// Destroy calls the guest's __wm_module_destroy export, then tears down the
// guest module instance and its own runtime. Safe to call more than once.
func (m *Module) Destroy() {
	m.closeOnce.Do(func() {
		m.guard.Stop()
		m.guard.Lock()
		defer m.guard.Unlock()

		ctx := context.Background()
		if n := m.pending.Len(); n > 0 {
			m.log.WithField("pending", n).Warn("destroying wasm module with in-flight callbacks still undelivered")
		}
		if _, err := m.destroyFn.Call(ctx, uint64(m.instance)); err != nil {
			m.log.WithError(err).Warn("guest __wm_module_destroy trapped")
		}
		if err := m.guest.Close(ctx); err != nil {
			m.log.WithError(err).Warn("failed to close guest module")
		}
		if err := m.runtime.Close(ctx); err != nil {
			m.log.WithError(err).Warn("failed to close wazero runtime")
		}
	})
}

func traplike(pkg, fn string, err error) modular.CallbackError {
	return modular.NewCallbackError(modular.WasmInvokeError, "wasm_trap", fmt.Sprintf("%s: %s trapped: %v", pkg, fn, err))
}
