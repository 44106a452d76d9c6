package modular

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteSliceRoundTrip(t *testing.T) {
	buf := []byte("hello, modular")
	bs := NewByteSlice(buf)
	require.False(t, bs.Absent())
	require.EqualValues(t, len(buf), bs.Len)

	got := bs.Bytes()
	assert.Equal(t, buf, got)
	// Same backing address: mutating through one view is visible in the other.
	got[0] = 'H'
	assert.Equal(t, byte('H'), buf[0])
}

func TestByteSliceAbsent(t *testing.T) {
	bs := NewByteSlice(nil)
	assert.True(t, bs.Absent())
	assert.Nil(t, bs.Bytes())
	assert.Equal(t, "", bs.String())
}

func TestByteSlicePresentEmpty(t *testing.T) {
	bs := NewByteSlice([]byte{})
	assert.False(t, bs.Absent())
	assert.NotNil(t, bs.Bytes())
	assert.Len(t, bs.Bytes(), 0)
}

func TestStringSliceUTF8(t *testing.T) {
	s := "héllo wörld"
	bs := NewByteSlice([]byte(s))
	assert.Equal(t, s, bs.String())
}

func TestByteSliceZeroValueIsAbsent(t *testing.T) {
	var bs ByteSlice
	assert.True(t, bs.Absent())
	assert.EqualValues(t, 0, bs.Len)
}
