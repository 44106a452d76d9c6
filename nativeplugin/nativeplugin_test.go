package nativeplugin

import (
	"context"
	"testing"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modular-rt/modular"
)

// writeOutCells simulates what a real shared object's package_fn/version_fn
// would do: allocate (here, just reference) a buffer and write its
// pointer/length through the two out-cells the caller supplied.
func writeOutCells(outPtr, outLen uintptr, buf []byte) {
	*(*uintptr)(unsafe.Pointer(outPtr)) = uintptr(unsafe.Pointer(&buf[0]))
	*(*uintptr)(unsafe.Pointer(outLen)) = uintptr(len(buf))
}

// fakeNativeModule builds a NativeModule vtable entirely in-process, with
// every function pointer a purego.NewCallback trampoline around a Go
// closure — standing in for a loaded shared object without requiring one.
func fakeNativeModule(t *testing.T, pkg, version string, onInvoke func(method string, data []byte, cb modular.Callback)) *NativeModule {
	t.Helper()
	pkgBytes := []byte(pkg)
	versionBytes := []byte(version)

	packageFn := purego.NewCallback(func(_ uintptr, outPtr, outLen uintptr) {
		writeOutCells(outPtr, outLen, pkgBytes)
	})
	versionFn := purego.NewCallback(func(_ uintptr, outPtr, outLen uintptr) {
		writeOutCells(outPtr, outLen, versionBytes)
	})
	invokeFn := purego.NewCallback(func(_ uintptr, methodPtr, methodLen, dataPtr, dataLen, cbPtr uintptr) {
		method := string(readBytes(methodPtr, methodLen))
		data := readBytes(dataPtr, dataLen)
		cb := callbackFromVtable((*NativeCallback)(unsafe.Pointer(cbPtr)))
		onInvoke(method, data, cb)
	})
	destroyFn := purego.NewCallback(func(_ uintptr) {})

	return &NativeModule{
		PackageFn: packageFn,
		VersionFn: versionFn,
		InvokeFn:  invokeFn,
		DestroyFn: destroyFn,
	}
}

func TestModuleInvokeRoundTripsThroughVtable(t *testing.T) {
	nm := fakeNativeModule(t, "demo", "1.0", func(method string, data []byte, cb modular.Callback) {
		assert.Equal(t, "greet", method)
		cb.OnSuccess(append([]byte("echo:"), data...))
		cb.Drop()
	})

	m := &Module{vtable: nm, pkg: "demo", version: "1.0"}
	assert.Equal(t, "demo", m.Package())
	assert.Equal(t, "1.0", m.Version())

	var got []byte
	dropped := false
	cb := modular.FuncCallback{
		OnSuccessFn: func(data []byte) { got = data },
		DropFn:      func() { dropped = true },
	}

	m.Invoke(context.Background(), "greet", []byte("world"), cb)

	assert.Equal(t, []byte("echo:world"), got)
	assert.True(t, dropped)
}

func TestModuleInvokeRejectsEmptyMethodWithoutCrossingBoundary(t *testing.T) {
	crossed := false
	nm := fakeNativeModule(t, "demo", "1.0", func(string, []byte, modular.Callback) { crossed = true })
	m := &Module{vtable: nm, pkg: "demo", version: "1.0"}

	var gotErr modular.CallbackError
	cb := modular.FuncCallback{OnErrorFn: func(err modular.CallbackError, _ []byte) { gotErr = err }}

	m.Invoke(context.Background(), "", nil, cb)

	assert.False(t, crossed)
	assert.Equal(t, modular.FfiInvalidMethodName, gotErr.Code)
}

func TestModuleRunIsNoopWithoutRunFn(t *testing.T) {
	nm := fakeNativeModule(t, "demo", "1.0", nil)
	m := &Module{vtable: nm, pkg: "demo", version: "1.0"}
	assert.NoError(t, m.Run(context.Background()))
}

func TestNativeCallbackAdapterDeliversError(t *testing.T) {
	var gotErr modular.CallbackError
	var gotData []byte
	inner := modular.FuncCallback{OnErrorFn: func(err modular.CallbackError, data []byte) {
		gotErr = err
		gotData = data
	}}

	nc, free := newNativeCallback(inner)
	defer free()

	// Simulate a native module delivering an error through the vtable we
	// just built, exactly as Module.Invoke's caller would receive it.
	vtableCB := callbackFromVtable(nc)
	vtableCB.OnError(modular.NewCallbackError(modular.WasmInvokeError, "trap", "guest trapped"), []byte("ctx"))

	require.Equal(t, modular.WasmInvokeError, gotErr.Code)
	assert.Equal(t, "trap", gotErr.Name)
	assert.Equal(t, []byte("ctx"), gotData)
}

func TestRegistryInvokeFnForwardsIntoRegistry(t *testing.T) {
	reg := modular.NewRegistry()
	reg.RegisterModule(&echoModuleForTest{pkg: "a"})

	nr, state := newNativeRegistry(reg)
	_ = state

	var got []byte
	cb := modular.FuncCallback{OnSuccessFn: func(data []byte) { got = data }}
	nativeCB, free := newNativeCallback(cb)
	defer free()

	pkgBytes := []byte("a")
	methodBytes := []byte("m")
	dataBytes := []byte("payload")

	purego.SyscallN(nr.InvokeFn,
		nr.Instance,
		uintptr(unsafe.Pointer(&pkgBytes[0])), uintptr(len(pkgBytes)),
		uintptr(unsafe.Pointer(&methodBytes[0])), uintptr(len(methodBytes)),
		uintptr(unsafe.Pointer(&dataBytes[0])), uintptr(len(dataBytes)),
		uintptr(unsafe.Pointer(nativeCB)),
	)

	assert.Equal(t, []byte("payload"), got)
}

type echoModuleForTest struct {
	modular.NoopRun
	pkg string
}

func (m *echoModuleForTest) Package() string { return m.pkg }
func (m *echoModuleForTest) Version() string { return "1.0" }
func (m *echoModuleForTest) Invoke(_ context.Context, _ string, data []byte, cb modular.Callback) {
	cb.OnSuccess(data)
	cb.Drop()
}
func (m *echoModuleForTest) Destroy() {}
