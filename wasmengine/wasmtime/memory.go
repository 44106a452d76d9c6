//go:build cgo

package wasmtime

import (
	"encoding/binary"
	"fmt"

	"github.com/bytecodealliance/wasmtime-go"
)

func (m *Module) memory() []byte {
	return m.mem.UnsafeData(m.store)
}

func (m *Module) allocGuest(n int32) (int32, error) {
	res, err := m.allocFn.Call(m.store, n)
	if err != nil {
		return 0, fmt.Errorf("__wm_alloc(%d): %w", n, err)
	}
	return res.(int32), nil
}

func (m *Module) freeGuest(offset, length int32) error {
	if offset == 0 {
		return nil
	}
	if _, err := m.freeFn.Call(m.store, offset, length); err != nil {
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
	mem := m.memory()
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
	mem := m.memory()
	if offset < 0 || length < 0 || int(offset)+int(length) > len(mem) {
		return nil, fmt.Errorf("read of %d bytes at offset %d out of range (memory size %d)", length, offset, len(mem))
	}
	buf := make([]byte, length)
	copy(buf, mem[offset:offset+length])
	return buf, nil
}

// writeSlice copies data into freshly allocated guest memory and wraps its
// (offset, length) in the 8-byte struct-offset layout, mirroring
// wasmengine/wazero's helper of the same name.
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

func (m *Module) readExportString(fn *wasmtime.Func) (string, error) {
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

	if _, err := fn.Call(m.store, m.instance, outPtrCell, outLenCell); err != nil {
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
