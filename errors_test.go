package modular

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodeValuesAreStable(t *testing.T) {
	assert.EqualValues(t, 0, NoError)
	assert.EqualValues(t, math.MinInt32, RegistryAlreadyRunning)
	assert.EqualValues(t, math.MinInt32+1, ModuleNotFound)
	assert.EqualValues(t, math.MinInt32+2, FfiInvalidMethodName)
	assert.EqualValues(t, -10000, WasmMemError)
	assert.EqualValues(t, -10001, WasmInvokeError)
}

func TestCodeNameDefaultsForModuleDefinedCodes(t *testing.T) {
	custom := Code(-42)
	assert.Equal(t, "module_error", custom.String())
}

func TestErrRegistryAlreadyRunningMessage(t *testing.T) {
	err := ErrRegistryAlreadyRunning{}
	assert.Equal(t, "registry_already_running", err.Error())
}
