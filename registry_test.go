package modular

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoModule is a fake Module used across the registry tests: it has no
// self-driven lifecycle and answers every Invoke with the request payload.
type echoModule struct {
	NoopRun
	pkg, version string
	destroyed    int32
	mu           sync.Mutex
}

func newEchoModule(pkg, version string) *echoModule {
	return &echoModule{pkg: pkg, version: version}
}

func (m *echoModule) Package() string { return m.pkg }
func (m *echoModule) Version() string { return m.version }

func (m *echoModule) Invoke(_ context.Context, _ string, data []byte, cb Callback) {
	cb.OnSuccess(data)
	cb.Drop()
}

func (m *echoModule) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyed++
}

func (m *echoModule) destroyCount() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// collectingCallback records every terminal call it receives for
// assertions, alongside how many times Drop fired.
type collectingCallback struct {
	mu        sync.Mutex
	successes [][]byte
	errs      []CallbackError
	drops     int
	done      chan struct{}
}

func newCollectingCallback() *collectingCallback {
	return &collectingCallback{done: make(chan struct{}, 1)}
}

func (c *collectingCallback) OnSuccess(data []byte) {
	c.mu.Lock()
	c.successes = append(c.successes, append([]byte(nil), data...))
	c.mu.Unlock()
	select {
	case c.done <- struct{}{}:
	default:
	}
}

func (c *collectingCallback) OnError(err CallbackError, _ []byte) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
	select {
	case c.done <- struct{}{}:
	default:
	}
}

func (c *collectingCallback) Drop() {
	c.mu.Lock()
	c.drops++
	c.mu.Unlock()
}

// Scenario 1 (spec.md §8): simple dispatch.
func TestRegistryInvokeSimpleDispatch(t *testing.T) {
	r := NewRegistry()
	r.RegisterModule(newEchoModule("a", "1.0"))

	cb := newCollectingCallback()
	r.Invoke(context.Background(), "a", "m", []byte("hello"), cb)

	require.Len(t, cb.successes, 1)
	assert.Equal(t, []byte("hello"), cb.successes[0])
	assert.Empty(t, cb.errs)
	assert.Equal(t, 1, cb.drops)
}

// Scenario 2: missing module.
func TestRegistryInvokeMissingModule(t *testing.T) {
	r := NewRegistry()

	cb := newCollectingCallback()
	r.Invoke(context.Background(), "nope", "m", nil, cb)

	require.Len(t, cb.errs, 1)
	assert.Equal(t, ModuleNotFound, cb.errs[0].Code)
	assert.Empty(t, cb.successes)
	assert.Equal(t, 1, cb.drops)
}

// Scenario 3: double-run guard.
func TestRegistryRunAlreadyRunning(t *testing.T) {
	r := NewRegistry()
	release := make(chan struct{})
	blocking := &blockingModule{release: release}
	r.RegisterModule(blocking)

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(context.Background()) }()

	// Give the first Run a chance to flip the running flag.
	require.Eventually(t, func() bool { return r.core.running.Load() }, time.Second, time.Millisecond)

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrRegistryAlreadyRunning{})

	close(release)
	require.NoError(t, <-runErr)

	// After completion, Run is reentrant again.
	assert.NoError(t, r.Run(context.Background()))
}

type blockingModule struct {
	NoopRun
	release chan struct{}
}

func (m *blockingModule) Package() string { return "blocking" }
func (m *blockingModule) Version() string { return "0.0" }
func (m *blockingModule) Run(ctx context.Context) error {
	select {
	case <-m.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (m *blockingModule) Invoke(context.Context, string, []byte, Callback) {}
func (m *blockingModule) Destroy()                                         {}

// Scenario 4: cross-module chain. A's Run invokes into B; B answers with a
// fixed payload; A observes it.
func TestRegistryCrossModuleChain(t *testing.T) {
	r := NewRegistry()
	r.RegisterModule(newEchoModuleWithFixedResponse("b", "pong"))

	observed := make(chan []byte, 1)
	a := &callerModule{registry: r, target: "b", observed: observed}
	r.RegisterModule(a)

	require.NoError(t, r.Run(context.Background()))

	select {
	case got := <-observed:
		assert.Equal(t, []byte("pong"), got)
	default:
		t.Fatal("module a never observed b's response")
	}
}

type echoModuleFixed struct {
	NoopRun
	pkg, response string
}

func newEchoModuleWithFixedResponse(pkg, response string) *echoModuleFixed {
	return &echoModuleFixed{pkg: pkg, response: response}
}
func (m *echoModuleFixed) Package() string { return m.pkg }
func (m *echoModuleFixed) Version() string { return "1.0" }
func (m *echoModuleFixed) Invoke(_ context.Context, _ string, _ []byte, cb Callback) {
	cb.OnSuccess([]byte(m.response))
	cb.Drop()
}
func (m *echoModuleFixed) Destroy() {}

type callerModule struct {
	NoopRun
	registry Registry
	target   string
	observed chan []byte
}

func (m *callerModule) Package() string { return "a" }
func (m *callerModule) Version() string { return "1.0" }
func (m *callerModule) Run(ctx context.Context) error {
	done := make(chan struct{})
	m.registry.Invoke(ctx, m.target, "ping", nil, FuncCallback{
		OnSuccessFn: func(data []byte) {
			m.observed <- append([]byte(nil), data...)
			close(done)
		},
	})
	<-done
	return nil
}
func (m *callerModule) Invoke(context.Context, string, []byte, Callback) {}
func (m *callerModule) Destroy()                                         {}

// Invariant 3: at most one module per package at any instant.
func TestRegistryReplacementDestroysPriorModule(t *testing.T) {
	r := NewRegistry()
	first := newEchoModule("a", "1.0")
	second := newEchoModule("a", "2.0")

	r.RegisterModule(first)
	r.RegisterModule(second)

	assert.Eventually(t, func() bool { return first.destroyCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(0), second.destroyCount())

	cb := newCollectingCallback()
	r.Invoke(context.Background(), "a", "m", []byte("x"), cb)
	require.Len(t, cb.successes, 1)
}

// Invariant 2: destroy waits for in-flight invokes to finish.
func TestRegistryDeregisterWaitsForInFlightInvoke(t *testing.T) {
	r := NewRegistry()
	release := make(chan struct{})
	m := &slowModule{release: release}
	r.RegisterModule(m)

	cb := newCollectingCallback()
	invokeDone := make(chan struct{})
	go func() {
		r.Invoke(context.Background(), "slow", "m", nil, cb)
		close(invokeDone)
	}()

	require.Eventually(t, func() bool { return m.invoked.Load() }, time.Second, time.Millisecond)

	r.DeregisterModule("slow")
	// Destroy must not have happened yet: the in-flight Invoke hasn't
	// delivered its terminal callback.
	assert.False(t, m.destroyedBeforeRelease())

	close(release)
	<-invokeDone
	require.Eventually(t, func() bool { return m.destroyCount() == 1 }, time.Second, time.Millisecond)
}

type slowModule struct {
	NoopRun
	release   chan struct{}
	invoked   atomic.Bool
	destroyed int32
	mu        sync.Mutex
}

func (m *slowModule) Package() string { return "slow" }
func (m *slowModule) Version() string { return "1.0" }
func (m *slowModule) Invoke(_ context.Context, _ string, _ []byte, cb Callback) {
	m.invoked.Store(true)
	<-m.release
	cb.OnSuccess(nil)
	cb.Drop()
}
func (m *slowModule) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyed++
}
func (m *slowModule) destroyCount() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}
func (m *slowModule) destroyedBeforeRelease() bool {
	return m.destroyCount() > 0
}
