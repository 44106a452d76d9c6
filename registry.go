package modular

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// moduleEntry owns the reference accounting that makes destroy-exactly-once
// (spec.md §8.1 invariant 2) hold: destroy fires the first time both
// "removed from the registry" and "no in-flight Invoke remains" become
// true, whichever happens last.
type moduleEntry struct {
	module Module

	mu         sync.Mutex
	refcount   int
	inRegistry bool
	destroyed  bool
}

func newModuleEntry(m Module) *moduleEntry {
	return &moduleEntry{module: m, inRegistry: true}
}

func (e *moduleEntry) acquire() {
	e.mu.Lock()
	e.refcount++
	e.mu.Unlock()
}

func (e *moduleEntry) release() {
	e.mu.Lock()
	e.refcount--
	shouldDestroy := !e.inRegistry && e.refcount == 0 && !e.destroyed
	if shouldDestroy {
		e.destroyed = true
	}
	e.mu.Unlock()
	if shouldDestroy {
		e.module.Destroy()
	}
}

func (e *moduleEntry) removeFromRegistry() {
	e.mu.Lock()
	e.inRegistry = false
	shouldDestroy := e.refcount == 0 && !e.destroyed
	if shouldDestroy {
		e.destroyed = true
	}
	e.mu.Unlock()
	if shouldDestroy {
		e.module.Destroy()
	}
}

// registryCore is the shared state behind every Registry handle. Multiple
// Registry values (clones, derived handles) reference the same core, so
// register/deregister/invoke performed through any of them observe the
// same module map, per spec.md §4.4's "clones forward operations to the
// same underlying state".
type registryCore struct {
	mu      sync.RWMutex
	modules map[string]*moduleEntry
	running atomic.Bool
	log     *logrus.Entry
}

// Registry is a process-wide map of modules by package name, plus the
// orchestration for run() and invoke() described in spec.md §4.4. It is a
// small value type — safe to copy and share across goroutines, native
// callers and WASM guests alike.
type Registry struct {
	core *registryCore
}

// NewRegistry constructs an empty registry with no running modules.
func NewRegistry() Registry {
	return Registry{core: &registryCore{
		modules: make(map[string]*moduleEntry),
		log:     logrus.WithField("component", "registry"),
	}}
}

// RegisterModule inserts m under m.Package(). If a previous module was
// registered under the same package, it is removed from the map first and
// destroyed once no in-flight Invoke still references it (spec.md §4.4).
// Insertion is visible to subsequent Invoke calls with no other ordering
// guarantee.
func (r Registry) RegisterModule(m Module) {
	pkg := m.Package()
	entry := newModuleEntry(m)

	r.core.mu.Lock()
	prior := r.core.modules[pkg]
	r.core.modules[pkg] = entry
	r.core.mu.Unlock()

	r.core.log.WithFields(logrus.Fields{"package": pkg, "version": m.Version(), "replaced": prior != nil}).Info("module registered")

	if prior != nil {
		prior.removeFromRegistry()
	}
}

// DeregisterModule removes the module registered under pkg, if any, and
// destroys it once every in-flight Invoke naming it has delivered its
// terminal callback. Deregistering an absent package is a no-op, not an
// error.
func (r Registry) DeregisterModule(pkg string) {
	r.core.mu.Lock()
	entry := r.core.modules[pkg]
	delete(r.core.modules, pkg)
	r.core.mu.Unlock()

	if entry == nil {
		return
	}
	r.core.log.WithField("package", pkg).Info("module deregistered")
	entry.removeFromRegistry()
}

// Invoke looks up pkg and forwards method/data/cb into its Invoke. If pkg
// is absent, it synthesizes ModuleNotFound on cb instead of returning an
// error — per spec.md §7, an absent module is a callback error, not a
// registry-return error, precisely so asynchronous call sites need not
// branch on two error paths. The registry holds a reference to the target
// module for the duration of the forwarded call so a concurrent
// DeregisterModule cannot free it before cb's terminal event fires.
func (r Registry) Invoke(ctx context.Context, pkg, method string, data []byte, cb Callback) {
	r.core.mu.RLock()
	entry := r.core.modules[pkg]
	if entry != nil {
		entry.acquire()
	}
	r.core.mu.RUnlock()

	if entry == nil {
		wrapped := Once(cb)
		wrapped.OnError(errModuleNotFound(pkg), nil)
		wrapped.Drop()
		return
	}

	wrapped := withFinish(Once(cb), entry.release)
	nextCtx := pushChain(ctx, pkg+":"+method)
	entry.module.Invoke(nextCtx, method, data, wrapped)
}

// Run snapshots the current module set, spawns one goroutine per module to
// call its Run, and joins all of them before returning. Modules registered
// after Run is called are not included in that invocation. Re-entrant
// calls — another goroutine already inside Run on this same registry —
// return ErrRegistryAlreadyRunning immediately without affecting the
// in-progress run.
//
// A plain sync.WaitGroup joins the fan-out rather than errgroup.WithContext:
// per spec.md §4.3, a module's Run error is reported only by log, and §4.4
// only requires joining every module's Run before returning — one module
// failing must never cancel the context every sibling's Run was handed.
// ctx still carries whatever cancellation the caller itself applied to it.
func (r Registry) Run(ctx context.Context) error {
	if !r.core.running.CompareAndSwap(false, true) {
		return ErrRegistryAlreadyRunning{}
	}
	defer r.core.running.Store(false)

	r.core.mu.RLock()
	entries := make([]*moduleEntry, 0, len(r.core.modules))
	for _, entry := range r.core.modules {
		entry.acquire()
		entries = append(entries, entry)
	}
	r.core.mu.RUnlock()

	var wg sync.WaitGroup
	for _, entry := range entries {
		entry := entry
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer entry.release()
			pkg := entry.module.Package()
			runCtx := pushChain(ctx, pkg)
			r.runOne(runCtx, pkg, entry.module)
		}()
	}
	wg.Wait()
	return nil
}

// runOne executes one module's Run, recovering a panic and logging both a
// panic and a returned error so a single misbehaving module can't take
// down the rest of the fan-out or stop Run from joining the others.
func (r Registry) runOne(ctx context.Context, pkg string, m Module) {
	defer func() {
		if rec := recover(); rec != nil {
			r.core.log.WithFields(logrus.Fields{"package": pkg, "panic": rec}).Error("module run panicked")
		}
	}()
	if err := m.Run(ctx); err != nil {
		r.core.log.WithError(err).WithField("package", pkg).Warn("module run returned an error")
	}
}
