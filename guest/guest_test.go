package guest

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModule struct {
	pkg, version string
	onInvoke     func(method string, data []byte, cb Callback)
	destroyed    bool
}

func (m *fakeModule) Package() string { return m.pkg }
func (m *fakeModule) Version() string { return m.version }
func (m *fakeModule) Invoke(method string, data []byte, cb Callback) {
	m.onInvoke(method, data, cb)
}
func (m *fakeModule) Destroy() { m.destroyed = true }

func resetGlobals() {
	mu.Lock()
	instances = map[uint32]Module{}
	nextID = 0
	arena = map[uint32][]byte{}
	mu.Unlock()

	pendingMu.Lock()
	pending = map[uint32]Callback{}
	pendingNext = 0
	pendingMu.Unlock()

	callbackOnSuccessHook = nil
	callbackOnErrorHook = nil
	registryInvokeHook = nil
}

func TestAllocFreeRoundTrip(t *testing.T) {
	resetGlobals()

	ptr := Alloc(5)
	require.NotZero(t, ptr)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), 5)
	copy(buf, []byte("hello"))
	assert.Equal(t, "hello", string(buf))

	Free(ptr, 5)
	mu.Lock()
	_, stillPinned := arena[ptr]
	mu.Unlock()
	assert.False(t, stillPinned)
}

func TestAllocZeroReturnsZero(t *testing.T) {
	resetGlobals()
	assert.Equal(t, uint32(0), Alloc(0))
}

func TestCreateLookupAndDestroy(t *testing.T) {
	resetGlobals()
	fm := &fakeModule{pkg: "demo", version: "1.0"}
	SetFactory(func() Module { return fm })

	id := Create()
	assert.NotZero(t, id)

	m := lookup(id)
	require.NotNil(t, m)
	assert.Equal(t, "demo", m.Package())

	ModuleDestroy(id)
	assert.True(t, fm.destroyed)
	assert.Nil(t, lookup(id))
}

func TestModulePackageAndVersionWriteOutCells(t *testing.T) {
	resetGlobals()
	fm := &fakeModule{pkg: "demo", version: "2.3.4"}
	SetFactory(func() Module { return fm })
	id := Create()

	outPtrCellBuf := make([]byte, 4)
	outLenCellBuf := make([]byte, 4)
	outPtrCell := uint32(uintptr(unsafe.Pointer(&outPtrCellBuf[0])))
	outLenCell := uint32(uintptr(unsafe.Pointer(&outLenCellBuf[0])))

	ModuleVersion(id, outPtrCell, outLenCell)

	ptr := readU32(outPtrCell)
	length := readU32(outLenCell)
	got := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length)
	assert.Equal(t, "2.3.4", string(got))

	ModulePackage(id, outPtrCell, outLenCell)

	ptr = readU32(outPtrCell)
	length = readU32(outLenCell)
	got = unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length)
	assert.Equal(t, "demo", string(got))
}

func TestModuleInvokeDeliversSuccessThroughCallbackImport(t *testing.T) {
	resetGlobals()
	fm := &fakeModule{pkg: "demo", version: "1.0", onInvoke: func(method string, data []byte, cb Callback) {
		assert.Equal(t, "greet", method)
		cb.OnSuccess(append([]byte("echo:"), data...))
	}}
	SetFactory(func() Module { return fm })
	id := Create()

	var gotIDPtr, gotDataPtr, gotDataLen uint32
	callbackOnSuccessHook = func(idPtr, dataPtr, dataLen uint32) {
		gotIDPtr, gotDataPtr, gotDataLen = idPtr, dataPtr, dataLen
	}

	methodBytes := []byte("greet")
	dataBytes := []byte("world")
	methodSlice := writeSliceStructForTest(methodBytes)
	dataSlice := writeSliceStructForTest(dataBytes)
	idBuf := make([]byte, 16)
	idPtr := uint32(uintptr(unsafe.Pointer(&idBuf[0])))

	ModuleInvoke(id, methodSlice, dataSlice, idPtr)

	assert.Equal(t, idPtr, gotIDPtr)
	got := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(gotDataPtr))), gotDataLen)
	assert.Equal(t, "echo:world", string(got))
}

func TestHostCallbackFiresAtMostOnce(t *testing.T) {
	resetGlobals()
	fires := 0
	callbackOnSuccessHook = func(uint32, uint32, uint32) { fires++ }

	cb := &hostCallback{idPtr: 123}
	cb.OnSuccess(nil)
	cb.OnSuccess(nil)
	cb.OnError(1, "x", "y", nil)

	assert.Equal(t, 1, fires)
}

func TestRegistryInvokeRoundTripsThroughHostCallback(t *testing.T) {
	resetGlobals()

	var capturedCallbackID uint32
	registryInvokeHook = func(pkgPtr, pkgLen, methodPtr, methodLen, dataPtr, dataLen, callbackID uint32) {
		pkg := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(pkgPtr))), pkgLen)
		method := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(methodPtr))), methodLen)
		assert.Equal(t, "other", string(pkg))
		assert.Equal(t, "run", string(method))
		capturedCallbackID = callbackID
	}

	var got []byte
	cb := FuncCallback{OnSuccessFn: func(data []byte) { got = data }}
	RegistryInvoke("other", "run", []byte("payload"), cb)

	require.NotZero(t, capturedCallbackID)

	resultSlice := writeSliceStructForTest([]byte("result"))
	HostCallbackOnSuccess(capturedCallbackID, resultSlice)
	assert.Equal(t, "result", string(got))

	// A second delivery for the same (already-taken) id must be ignored.
	HostCallbackOnSuccess(capturedCallbackID, resultSlice)
}

func TestHostCallbackDestroyDropsWithoutTerminalEvent(t *testing.T) {
	resetGlobals()
	dropped := false
	cb := FuncCallback{DropFn: func() { dropped = true }}
	id := addPendingGuestCallback(cb)

	HostCallbackDestroy(id)
	assert.True(t, dropped)
}

// writeSliceStructForTest packs data into the 8-byte {offset,len} struct
// layout ModuleInvoke/RegistryInvoke's readSlice/writeBytes expect,
// standing in for what an adapter would have written before calling in.
func writeSliceStructForTest(data []byte) uint32 {
	ptr, length := writeBytes(data)
	cell := make([]byte, 8)
	binary.LittleEndian.PutUint32(cell[0:4], ptr)
	binary.LittleEndian.PutUint32(cell[4:8], length)
	return uint32(uintptr(unsafe.Pointer(&cell[0])))
}
