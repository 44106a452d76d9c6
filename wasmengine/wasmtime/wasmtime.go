//go:build cgo

// Package wasmtime implements wasmengine.Engine on top of
// github.com/bytecodealliance/wasmtime-go, for deployments that want
// wasmtime's ahead-of-time compiler instead of wazero's interpreter/JIT.
// It requires cgo, unlike wasmengine/wazero.
package wasmtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/bytecodealliance/wasmtime-go"
	"github.com/sirupsen/logrus"

	"github.com/modular-rt/modular"
	"github.com/modular-rt/modular/wasmengine"
)

type runtimeEngine struct{}

// Engine returns the wasmtime-backed wasmengine.Engine.
func Engine() wasmengine.Engine { return runtimeEngine{} }

func (runtimeEngine) Name() string { return "wasmtime" }

func (runtimeEngine) New(ctx context.Context, code []byte, reg modular.Registry) (modular.Module, error) {
	engine := wasmtime.NewEngine()
	store := wasmtime.NewStore(engine)
	store.SetWasi(wasmtime.NewWasiConfig())

	mod, err := wasmtime.NewModule(engine, code)
	if err != nil {
		return nil, fmt.Errorf("wasmengine/wasmtime: compile: %w", err)
	}

	pending := wasmengine.NewPendingCallbacks()
	guard := wasmengine.NewStoreGuard()
	m := &Module{
		store:   store,
		pending: pending,
		guard:   guard,
		log:     logrus.WithField("component", "wasmengine/wasmtime"),
	}

	linker := wasmtime.NewLinker(engine)
	if err := linker.DefineWasi(); err != nil {
		guard.Stop()
		return nil, fmt.Errorf("wasmengine/wasmtime: define wasi: %w", err)
	}
	for name, fn := range m.envImports(reg) {
		if err := linker.Define("env", name, fn); err != nil {
			guard.Stop()
			return nil, fmt.Errorf("wasmengine/wasmtime: define env.%s: %w", name, err)
		}
	}

	inst, err := linker.Instantiate(store, mod)
	if err != nil {
		guard.Stop()
		return nil, fmt.Errorf("wasmengine/wasmtime: instantiate: %w", err)
	}
	m.inst = inst

	memExport := inst.GetExport(store, "memory")
	if memExport == nil || memExport.Memory() == nil {
		guard.Stop()
		return nil, fmt.Errorf("wasmengine/wasmtime: guest module does not export linear memory")
	}
	m.mem = memExport.Memory()

	exports := []struct {
		name string
		dst  **wasmtime.Func
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
		fn := inst.GetFunc(store, e.name)
		if fn == nil {
			guard.Stop()
			return nil, fmt.Errorf("wasmengine/wasmtime: guest module missing required export %s", e.name)
		}
		*e.dst = fn
	}

	guard.Lock()
	results, err := m.createFn.Call(store)
	guard.Unlock()
	if err != nil {
		guard.Stop()
		return nil, fmt.Errorf("wasmengine/wasmtime: __wm_create: %w", err)
	}
	m.instance = results.(int32)

	guard.Lock()
	m.pkg, err = m.readExportString(m.pkgFn)
	guard.Unlock()
	if err != nil {
		guard.Stop()
		return nil, fmt.Errorf("wasmengine/wasmtime: __wm_module_package: %w", err)
	}

	guard.Lock()
	m.version, err = m.readExportString(m.versionFn)
	guard.Unlock()
	if err != nil {
		guard.Stop()
		return nil, fmt.Errorf("wasmengine/wasmtime: __wm_module_version: %w", err)
	}

	return m, nil
}

// Module is the wasmtime-backed modular.Module for a single guest instance.
type Module struct {
	modular.NoopRun

	pkg, version string

	store   *wasmtime.Store
	inst    *wasmtime.Instance
	mem     *wasmtime.Memory
	pending *wasmengine.PendingCallbacks
	guard   *wasmengine.StoreGuard

	instance int32

	allocFn, freeFn, createFn, pkgFn, versionFn, invokeFn, destroyFn *wasmtime.Func

	closeOnce sync.Once
	log       *logrus.Entry
}

func (m *Module) Package() string { return m.pkg }
func (m *Module) Version() string { return m.version }

// Destroy calls the guest's __wm_module_destroy export. Safe to call more
// than once.
func (m *Module) Destroy() {
	m.closeOnce.Do(func() {
		m.guard.Stop()
		m.guard.Lock()
		defer m.guard.Unlock()

		if n := m.pending.Len(); n > 0 {
			m.log.WithField("pending", n).Warn("destroying wasm module with in-flight callbacks still undelivered")
		}
		if _, err := m.destroyFn.Call(m.store, m.instance); err != nil {
			m.log.WithError(err).Warn("guest __wm_module_destroy trapped")
		}
	})
}
