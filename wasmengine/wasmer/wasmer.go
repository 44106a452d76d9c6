//go:build cgo

// Package wasmer implements wasmengine.Engine on top of
// github.com/wasmerio/wasmer-go, a third alternative to wazero for
// deployments that already standardize on wasmer elsewhere. It requires
// cgo, unlike wasmengine/wazero.
package wasmer

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/modular-rt/modular"
	"github.com/modular-rt/modular/wasmengine"
)

type runtimeEngine struct{}

// Engine returns the wasmer-backed wasmengine.Engine.
func Engine() wasmengine.Engine { return runtimeEngine{} }

func (runtimeEngine) Name() string { return "wasmer" }

func (runtimeEngine) New(ctx context.Context, code []byte, reg modular.Registry) (modular.Module, error) {
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)

	mod, err := wasmer.NewModule(store, code)
	if err != nil {
		return nil, fmt.Errorf("wasmengine/wasmer: compile: %w", err)
	}

	guard := wasmengine.NewStoreGuard()
	m := &Module{
		store:   store,
		pending: wasmengine.NewPendingCallbacks(),
		guard:   guard,
		log:     logrus.WithField("component", "wasmengine/wasmer"),
	}

	importObject := wasmer.NewImportObject()
	importObject.Register("env", m.envImports(reg))

	inst, err := wasmer.NewInstance(mod, importObject)
	if err != nil {
		guard.Stop()
		return nil, fmt.Errorf("wasmengine/wasmer: instantiate: %w", err)
	}
	m.inst = inst

	mem, err := inst.Exports.GetMemory("memory")
	if err != nil {
		guard.Stop()
		return nil, fmt.Errorf("wasmengine/wasmer: guest module does not export linear memory: %w", err)
	}
	m.mem = mem

	exports := []struct {
		name string
		dst  *wasmer.NativeFunction
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
		fn, err := inst.Exports.GetFunction(e.name)
		if err != nil {
			guard.Stop()
			return nil, fmt.Errorf("wasmengine/wasmer: guest module missing required export %s: %w", e.name, err)
		}
		*e.dst = fn
	}

	guard.Lock()
	result, err := m.createFn()
	guard.Unlock()
	if err != nil {
		guard.Stop()
		return nil, fmt.Errorf("wasmengine/wasmer: __wm_create: %w", err)
	}
	m.instance = result.(int32)

	guard.Lock()
	m.pkg, err = m.readExportString(m.pkgFn)
	guard.Unlock()
	if err != nil {
		guard.Stop()
		return nil, fmt.Errorf("wasmengine/wasmer: __wm_module_package: %w", err)
	}

	guard.Lock()
	m.version, err = m.readExportString(m.versionFn)
	guard.Unlock()
	if err != nil {
		guard.Stop()
		return nil, fmt.Errorf("wasmengine/wasmer: __wm_module_version: %w", err)
	}

	return m, nil
}

// Module is the wasmer-backed modular.Module for a single guest instance.
// wasmer-go exposes exported functions as NativeFunction closures
// (func(...interface{}) (interface{}, error)) rather than a typed Func
// value, so call sites here pass arguments positionally instead of
// through a Store-qualified Call method.
type Module struct {
	modular.NoopRun

	pkg, version string

	store   *wasmer.Store
	inst    *wasmer.Instance
	mem     *wasmer.Memory
	pending *wasmengine.PendingCallbacks
	guard   *wasmengine.StoreGuard

	instance int32

	allocFn, freeFn, createFn, pkgFn, versionFn, invokeFn, destroyFn wasmer.NativeFunction

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
		if _, err := m.destroyFn(m.instance); err != nil {
			m.log.WithError(err).Warn("guest __wm_module_destroy trapped")
		}
	})
}

func (m *Module) allocGuest(n int32) (int32, error) {
	res, err := m.allocFn(n)
	if err != nil {
		return 0, fmt.Errorf("__wm_alloc(%d): %w", n, err)
	}
	return res.(int32), nil
}

func (m *Module) freeGuest(offset, length int32) error {
	if offset == 0 {
		return nil
	}
	if _, err := m.freeFn(offset, length); err != nil {
		return fmt.Errorf("__wm_free(%d, %d): %w", offset, length, err)
	}
	return nil
}

func (m *Module) freeSlice(structOffset, dataOffset, dataLen int32) {
	if err := m.freeGuest(dataOffset, dataLen); err != nil {
		m.log.WithError(err).Warn("failed to free guest buffer")
	}
	if err := m.freeGuest(structOffset, 8); err != nil {
		m.log.WithError(err).Warn("failed to free guest slice struct")
	}
}

func (m *Module) writeBytes(offset int32, data []byte) error {
	mem := m.mem.Data()
	if offset < 0 || int(offset)+len(data) > len(mem) {
		return fmt.Errorf("write of %d bytes at offset %d out of range (memory size %d)", len(data), offset, len(mem))
	}
	copy(mem[offset:], data)
	return nil
}

func (m *Module) readBytes(offset, length int32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	mem := m.mem.Data()
	if offset < 0 || length < 0 || int(offset)+int(length) > len(mem) {
		return nil, fmt.Errorf("read of %d bytes at offset %d out of range (memory size %d)", length, offset, len(mem))
	}
	buf := make([]byte, length)
	copy(buf, mem[offset:offset+length])
	return buf, nil
}

func (m *Module) writeSlice(data []byte) (structOffset, dataOffset, dataLen int32, err error) {
	dataLen = int32(len(data))
	if dataLen > 0 {
		dataOffset, err = m.allocGuest(dataLen)
		if err != nil {
			return 0, 0, 0, err
		}
		if err = m.writeBytes(dataOffset, data); err != nil {
			return 0, 0, 0, err
		}
	}

	structOffset, err = m.allocGuest(8)
	if err != nil {
		_ = m.freeGuest(dataOffset, dataLen)
		return 0, 0, 0, err
	}
	cell := make([]byte, 8)
	binary.LittleEndian.PutUint32(cell[0:4], uint32(dataOffset))
	binary.LittleEndian.PutUint32(cell[4:8], uint32(dataLen))
	if err := m.writeBytes(structOffset, cell); err != nil {
		_ = m.freeGuest(dataOffset, dataLen)
		return 0, 0, 0, err
	}
	return structOffset, dataOffset, dataLen, nil
}

func (m *Module) readExportString(fn wasmer.NativeFunction) (string, error) {
	outPtrCell, err := m.allocGuest(4)
	if err != nil {
		return "", err
	}
	defer func() { _ = m.freeGuest(outPtrCell, 4) }()

	outLenCell, err := m.allocGuest(4)
	if err != nil {
		return "", err
	}
	defer func() { _ = m.freeGuest(outLenCell, 4) }()

	if _, err := fn(m.instance, outPtrCell, outLenCell); err != nil {
		return "", err
	}

	ptrBytes, err := m.readBytes(outPtrCell, 4)
	if err != nil {
		return "", err
	}
	lenBytes, err := m.readBytes(outLenCell, 4)
	if err != nil {
		return "", err
	}
	ptr := int32(binary.LittleEndian.Uint32(ptrBytes))
	length := int32(binary.LittleEndian.Uint32(lenBytes))
	if ptr == 0 || length == 0 {
		return "", nil
	}

	buf, err := m.readBytes(ptr, length)
	if err != nil {
		return "", err
	}
	_ = m.freeGuest(ptr, length)
	return string(buf), nil
}
