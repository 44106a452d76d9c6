package modular

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuncCallbackDeliversSuccess(t *testing.T) {
	var got []byte
	cb := FuncCallback{OnSuccessFn: func(data []byte) { got = data }}
	cb.OnSuccess([]byte("hello"))
	assert.Equal(t, []byte("hello"), got)
}

func TestOnceCallbackDiscardsDuplicateTerminalCalls(t *testing.T) {
	var successes, errors int
	inner := FuncCallback{
		OnSuccessFn: func([]byte) { successes++ },
		OnErrorFn:   func(CallbackError, []byte) { errors++ },
	}
	cb := Once(inner)

	cb.OnSuccess([]byte("first"))
	cb.OnSuccess([]byte("second"))
	cb.OnError(NewCallbackError(WasmInvokeError, "", ""), nil)

	assert.Equal(t, 1, successes)
	assert.Equal(t, 0, errors)
}

func TestOnceCallbackDropIsIdempotent(t *testing.T) {
	drops := 0
	inner := FuncCallback{DropFn: func() { drops++ }}
	cb := Once(inner)

	cb.Drop()
	cb.Drop()
	cb.Drop()

	assert.Equal(t, 1, drops)
}

func TestOnceCallbackConcurrentFireIsSingular(t *testing.T) {
	var mu sync.Mutex
	fires := 0
	inner := FuncCallback{OnSuccessFn: func([]byte) {
		mu.Lock()
		fires++
		mu.Unlock()
	}}
	cb := Once(inner)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.OnSuccess(nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fires)
}

func TestWithFinishRunsAfterTerminalDelivery(t *testing.T) {
	order := make([]string, 0, 2)
	inner := FuncCallback{OnSuccessFn: func([]byte) { order = append(order, "delivered") }}
	cb := withFinish(inner, func() { order = append(order, "finished") })

	cb.OnSuccess(nil)
	require.Len(t, order, 2)
	assert.Equal(t, []string{"delivered", "finished"}, order)
}

func TestWithFinishDoesNotRerunOnDuplicateFire(t *testing.T) {
	finishes := 0
	inner := FuncCallback{}
	cb := withFinish(inner, func() { finishes++ })

	cb.OnSuccess(nil)
	cb.OnSuccess(nil)
	cb.OnError(CallbackError{}, nil)

	assert.Equal(t, 1, finishes)
}

func TestCallbackErrorImplementsError(t *testing.T) {
	err := NewCallbackError(ModuleNotFound, "", "no module registered")
	assert.Contains(t, err.Error(), "module_not_found")
	assert.Contains(t, err.Error(), "no module registered")

	var asErr error = err
	var ce CallbackError
	require.ErrorAs(t, asErr, &ce)
	assert.Equal(t, ModuleNotFound, ce.Code)
}
