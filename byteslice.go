package modular

import "unsafe"

// ByteSlice is the C-layout representation of a nullable, borrowed byte
// range crossing the native FFI boundary: `{ ptr: const u8, len: usize }`.
// A null Ptr with Len zero denotes absent; a non-null Ptr with Len zero
// denotes present and empty. Neither party frees the memory it points to —
// it is borrowed for the duration of the call that carries it.
type ByteSlice struct {
	Ptr uintptr
	Len uintptr
}

// StringSlice is the UTF-8 alias of ByteSlice. Decoding validity is the
// receiver's responsibility; the wire layout is identical to ByteSlice.
type StringSlice = ByteSlice

// NewByteSlice builds a ByteSlice borrowing buf. An empty, non-nil buf
// produces a present-and-empty slice; a nil buf produces the absent
// sentinel (zero ByteSlice).
func NewByteSlice(buf []byte) ByteSlice {
	if buf == nil {
		return ByteSlice{}
	}
	if len(buf) == 0 {
		// Present and empty: len(buf) == 0 but buf != nil means a caller
		// explicitly passed an empty (non-absent) slice. SliceData on a
		// zero-length slice may still return a usable, non-null pointer
		// backed by the slice's underlying array header; fall back to a
		// sentinel non-null address when the runtime hands back nil.
		if p := unsafe.SliceData(buf); p != nil {
			return ByteSlice{Ptr: uintptr(unsafe.Pointer(p)), Len: 0}
		}
		return ByteSlice{Ptr: 1, Len: 0}
	}
	return ByteSlice{Ptr: uintptr(unsafe.Pointer(unsafe.SliceData(buf))), Len: uintptr(len(buf))}
}

// Bytes decodes a ByteSlice into a borrowed []byte, or nil if the slice is
// absent (null pointer). The caller must not retain the result beyond the
// call that produced it, and must not mutate or free it.
func (b ByteSlice) Bytes() []byte {
	if b.Ptr == 0 {
		return nil
	}
	if b.Len == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(b.Ptr)), int(b.Len))
}

// String decodes a ByteSlice as UTF-8. Absent decodes to "", matching
// Bytes' nil-on-absent behavior. No validation of the bytes is performed;
// invalid UTF-8 is the receiver's problem to detect (see FfiInvalidMethodName
// for the one boundary that does validate).
func (b ByteSlice) String() string {
	buf := b.Bytes()
	if buf == nil {
		return ""
	}
	return string(buf)
}

// Absent reports whether the slice denotes "no value" (null pointer).
func (b ByteSlice) Absent() bool {
	return b.Ptr == 0
}
