package wazero

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/modular-rt/modular"
)

func TestEngineName(t *testing.T) {
	assert.Equal(t, "wazero", Engine().Name())
}

func TestNewRejectsInvalidBytecode(t *testing.T) {
	_, err := Engine().New(context.Background(), []byte("not a wasm module"), modular.NewRegistry())
	assert.Error(t, err)
}

func TestNewRejectsModuleMissingRequiredExports(t *testing.T) {
	// A minimal, well-formed, empty WASM module: just the magic number and
	// version, no sections at all. It compiles and instantiates cleanly but
	// exports nothing, so every required-export resolution should fail.
	emptyModule := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	_, err := Engine().New(context.Background(), emptyModule, modular.NewRegistry())
	assert.Error(t, err)
}
