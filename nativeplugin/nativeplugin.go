package nativeplugin

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"unicode/utf8"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/sirupsen/logrus"

	"github.com/modular-rt/modular"
)

// createModuleSymbol is the factory symbol every plugin shared object
// exports, per spec.md §6:
//
//	extern "C" fn create_module(registry: NativeRegistry) -> NativeModule
const createModuleSymbol = "create_module"

// Load opens the shared object at path, resolves create_module, builds a
// NativeRegistry vtable over reg, and wraps the returned NativeModule
// vtable behind the modular.Module contract. The library is kept open for
// the lifetime of the returned module — it must outlive the module
// vtable, per spec.md §4.5 step 5.
func Load(path string, reg modular.Registry) (modular.Module, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("nativeplugin: load %s: %w", path, err)
	}

	createModule, err := purego.Dlsym(handle, createModuleSymbol)
	if err != nil {
		_ = purego.Dlclose(handle)
		return nil, fmt.Errorf("nativeplugin: resolve %s in %s: %w", createModuleSymbol, path, err)
	}

	nr, nrKeepAlive := newNativeRegistry(reg)

	r1, _, errno := purego.SyscallN(createModule, uintptr(unsafe.Pointer(nr)))
	runtime.KeepAlive(nrKeepAlive)
	runtime.KeepAlive(nr)
	if r1 == 0 {
		_ = purego.Dlclose(handle)
		return nil, fmt.Errorf("nativeplugin: %s in %s returned a null module (errno %d)", createModuleSymbol, path, errno)
	}

	nm := (*NativeModule)(unsafe.Pointer(r1))

	pkg, err := readVtableString(nm.Instance, nm.PackageFn)
	if err != nil {
		_ = purego.Dlclose(handle)
		return nil, fmt.Errorf("nativeplugin: reading package from %s: %w", path, err)
	}
	version, err := readVtableString(nm.Instance, nm.VersionFn)
	if err != nil {
		_ = purego.Dlclose(handle)
		return nil, fmt.Errorf("nativeplugin: reading version from %s: %w", path, err)
	}

	return &Module{
		path:     path,
		handle:   handle,
		vtable:   nm,
		pkg:      pkg,
		version:  version,
		registry: nr,
		log:      logrus.WithFields(logrus.Fields{"component": "nativeplugin", "path": path, "package": pkg}),
	}, nil
}

// Module wraps a loaded shared object's NativeModule vtable behind
// modular.Module. It implements the forwarding layer spec.md §4.5 step 4
// describes: every Module method calls through to the vtable's function
// pointers.
type Module struct {
	path    string
	handle  uintptr
	vtable  *NativeModule
	pkg     string
	version string

	registry *NativeRegistry

	closeOnce sync.Once
	log       *logrus.Entry
}

func (m *Module) Package() string { return m.pkg }
func (m *Module) Version() string { return m.version }

// Run calls the module's run_fn if it exported one. A module without a
// self-driven lifecycle leaves RunFn at zero and Run returns nil
// immediately, per spec.md §4.3.
func (m *Module) Run(ctx context.Context) error {
	if m.vtable.RunFn == 0 {
		return nil
	}
	r1, _, errno := purego.SyscallN(m.vtable.RunFn, m.vtable.Instance)
	if int32(r1) != 0 {
		return fmt.Errorf("nativeplugin: module %s run_fn failed (errno %d)", m.pkg, errno)
	}
	return nil
}

// Invoke forwards method/data/cb into the vtable's invoke_fn. A method
// name that is empty or not valid UTF-8 is rejected here without crossing
// the boundary at all, synthesizing FfiInvalidMethodName per spec.md §4.3.
func (m *Module) Invoke(_ context.Context, method string, data []byte, cb modular.Callback) {
	wrapped := modular.Once(cb)
	if method == "" || !utf8.ValidString(method) {
		wrapped.OnError(modular.NewCallbackError(modular.FfiInvalidMethodName, "", "method name must be non-empty valid UTF-8"), nil)
		wrapped.Drop()
		return
	}

	nativeCB, free := newNativeCallback(wrapped)
	defer free()

	methodBytes := []byte(method)
	var methodPtr, dataPtr uintptr
	if len(methodBytes) > 0 {
		methodPtr = uintptr(unsafe.Pointer(&methodBytes[0]))
	}
	if len(data) > 0 {
		dataPtr = uintptr(unsafe.Pointer(&data[0]))
	}

	purego.SyscallN(m.vtable.InvokeFn,
		m.vtable.Instance,
		methodPtr, uintptr(len(methodBytes)),
		dataPtr, uintptr(len(data)),
		uintptr(unsafe.Pointer(nativeCB)),
	)
	runtime.KeepAlive(methodBytes)
	runtime.KeepAlive(data)
	runtime.KeepAlive(nativeCB)
}

// Destroy calls the module's destroy_fn, then unloads the shared object.
// Safe to call more than once; only the first call has an effect, per
// spec.md §4.5 step 5.
func (m *Module) Destroy() {
	m.closeOnce.Do(func() {
		if m.vtable.DestroyFn != 0 {
			purego.SyscallN(m.vtable.DestroyFn, m.vtable.Instance)
		}
		if err := purego.Dlclose(m.handle); err != nil {
			m.log.WithError(err).Warn("failed to unload native plugin library")
		}
	})
}

// readVtableString calls a package_fn/version_fn-shaped function
// (instance, *uintptr, *uintptr) and decodes the two out-cells it writes
// as a UTF-8 string.
func readVtableString(instance uintptr, fn uintptr) (string, error) {
	var outPtr, outLen uintptr
	purego.SyscallN(fn, instance, uintptr(unsafe.Pointer(&outPtr)), uintptr(unsafe.Pointer(&outLen)))
	if outPtr == 0 {
		return "", nil
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(outPtr)), int(outLen))
	return string(buf), nil
}
