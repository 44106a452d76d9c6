package wazero

import (
	"context"
	"encoding/binary"
	"fmt"
)

// allocGuest asks the guest's allocator for n bytes and returns the offset
// it handed back. n == 0 still round-trips through __wm_alloc so the
// guest's own allocator stays in control of what a zero-length allocation
// means.
func (m *Module) allocGuest(ctx context.Context, n uint32) (uint32, error) {
	results, err := m.allocFn.Call(ctx, uint64(n))
	if err != nil {
		return 0, fmt.Errorf("__wm_alloc(%d): %w", n, err)
	}
	return uint32(results[0]), nil
}

func (m *Module) freeGuest(ctx context.Context, offset, length uint32) error {
	if offset == 0 {
		return nil
	}
	if _, err := m.freeFn.Call(ctx, uint64(offset), uint64(length)); err != nil {
		return fmt.Errorf("__wm_free(%d, %d): %w", offset, length, err)
	}
	return nil
}

// freeSlice releases both the struct cell and the underlying buffer a
// writeSlice call produced, logging rather than propagating a failure
// since it only ever runs as best-effort cleanup after the real call has
// already completed or failed.
func (m *Module) freeSlice(ctx context.Context, structOffset, dataOffset, dataLen uint32) {
	if err := m.freeGuest(ctx, dataOffset, dataLen); err != nil {
		m.log.WithError(err).Warn("failed to free guest buffer")
	}
	if err := m.freeGuest(ctx, structOffset, 8); err != nil {
		m.log.WithError(err).Warn("failed to free guest slice struct")
	}
}

// writeSlice copies data into freshly allocated guest memory and wraps its
// (offset, length) in the 8-byte struct layout the struct-offset
// convention expects, returning the struct's own offset along with the
// raw buffer's offset/length so the caller can free both later.
func (m *Module) writeSlice(ctx context.Context, data []byte) (structOffset, dataOffset, dataLen uint32, err error) {
	dataLen = uint32(len(data))
	if dataLen > 0 {
		dataOffset, err = m.allocGuest(ctx, dataLen)
		if err != nil {
			return 0, 0, 0, err
		}
		if !m.guest.Memory().Write(dataOffset, data) {
			return 0, 0, 0, fmt.Errorf("writing %d bytes to guest offset %d out of range", dataLen, dataOffset)
		}
	}

	structOffset, err = m.allocGuest(ctx, 8)
	if err != nil {
		_ = m.freeGuest(ctx, dataOffset, dataLen)
		return 0, 0, 0, err
	}
	cell := make([]byte, 8)
	binary.LittleEndian.PutUint32(cell[0:4], dataOffset)
	binary.LittleEndian.PutUint32(cell[4:8], dataLen)
	if !m.guest.Memory().Write(structOffset, cell) {
		_ = m.freeGuest(ctx, dataOffset, dataLen)
		return 0, 0, 0, fmt.Errorf("writing slice struct to guest offset %d out of range", structOffset)
	}
	return structOffset, dataOffset, dataLen, nil
}

// readExportString calls a package/version-shaped export — fn(instance,
// outPtrCell, outLenCell) — and decodes the two 4-byte out-cells it writes
// as a UTF-8 string, freeing every guest allocation involved before
// returning.
func (m *Module) readExportString(ctx context.Context, fn interface {
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}) (string, error) {
	outPtrCell, err := m.allocGuest(ctx, 4)
	if err != nil {
		return "", err
	}
	defer func() { _ = m.freeGuest(ctx, outPtrCell, 4) }()

	outLenCell, err := m.allocGuest(ctx, 4)
	if err != nil {
		return "", err
	}
	defer func() { _ = m.freeGuest(ctx, outLenCell, 4) }()

	if _, err := fn.Call(ctx, uint64(m.instance), uint64(outPtrCell), uint64(outLenCell)); err != nil {
		return "", err
	}

	ptr, ok := m.guest.Memory().ReadUint32Le(outPtrCell)
	if !ok {
		return "", fmt.Errorf("reading out-ptr cell at %d out of range", outPtrCell)
	}
	length, ok := m.guest.Memory().ReadUint32Le(outLenCell)
	if !ok {
		return "", fmt.Errorf("reading out-len cell at %d out of range", outLenCell)
	}
	if ptr == 0 || length == 0 {
		return "", nil
	}

	buf, ok := m.guest.Memory().Read(ptr, length)
	if !ok {
		return "", fmt.Errorf("reading %d bytes at guest offset %d out of range", length, ptr)
	}
	s := string(buf)
	_ = m.freeGuest(ctx, ptr, length)
	return s, nil
}
