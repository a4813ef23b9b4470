// Package native bridges the processing adapters to the external
// precompiled algorithms library. The library itself is an opaque
// dependency: this package owns the process-wide runtime handle, the
// request/result structures that cross the boundary, and the typed
// error reporting around a failed execution.
//
// The runtime is initialized at most once per process. There is no
// teardown and no locking around execution: concurrent calls into the
// same runtime are not supported, callers must serialize.
package native

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ErrRuntimeUnavailable is returned when no executor backend has been
// registered, i.e. the process was built without a native adapter and
// no stub was injected.
var ErrRuntimeUnavailable = errors.New("native runtime unavailable: no executor registered")

// ErrNotInitialized is returned by Execute before Init has succeeded.
var ErrNotInitialized = errors.New("native runtime not initialized")

// Options configure runtime startup. They are honored by the first
// successful Init only; later calls are no-ops.
type Options struct {
	// InitialHeap is the initial memory reservation passed to the
	// native runtime, e.g. "12000m".
	InitialHeap string

	// MaxHeap is the memory ceiling passed to the native runtime.
	MaxHeap string

	// LibraryPath optionally overrides the location of the precompiled
	// library.
	LibraryPath string
}

// DefaultOptions returns the startup options used when the caller does
// not supply any.
func DefaultOptions() Options {
	return Options{
		InitialHeap: "12000m",
		MaxHeap:     "12000m",
	}
}

// Executor runs a configured algorithm request against the native
// library and returns its output arrays. Execute blocks until the
// algorithm finishes; there is no cancellation.
type Executor interface {
	Execute(req *Request) (*Result, error)
}

// ExecutionError wraps a failure reported by the native library for a
// specific algorithm. The underlying cause is preserved, never masked.
type ExecutionError struct {
	Algorithm string
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("native execution of %s did not complete cleanly: %v", e.Algorithm, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Runtime is the handle to the native execution environment. A single
// process-wide instance is shared by all adapters; see Default.
type Runtime struct {
	mu          sync.Mutex
	initialized bool
	opts        Options
	exec        Executor
}

var defaultRuntime = &Runtime{}

// Default returns the process-wide runtime handle.
func Default() *Runtime {
	return defaultRuntime
}

// Init starts the native execution environment. It is idempotent: a
// call on an already-running runtime returns nil without touching
// options, matching the library's "already running" tolerance. The
// executor backend is taken from the registry unless one was injected
// via SetExecutor beforehand.
func (r *Runtime) Init(opts Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return nil
	}

	if r.exec == nil {
		r.exec = registeredExecutor()
	}
	if r.exec == nil {
		return ErrRuntimeUnavailable
	}

	r.opts = opts
	r.initialized = true

	log.WithFields(log.Fields{
		"initialHeap": opts.InitialHeap,
		"maxHeap":     opts.MaxHeap,
	}).Debug("native runtime initialized")
	return nil
}

// SetExecutor injects an executor backend and resets the initialized
// state so the next Init binds to it. Intended for tests and for
// adapters that construct their backend manually.
func (r *Runtime) SetExecutor(exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec = exec
	r.initialized = false
}

// Initialized reports whether Init has succeeded.
func (r *Runtime) Initialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized
}

// Execute validates the request and runs it on the native library. A
// native-side failure is logged and returned as an *ExecutionError
// wrapping the original cause; the caller sees the failure, and no
// partial result is ever returned.
func (r *Runtime) Execute(req *Request) (*Result, error) {
	r.mu.Lock()
	exec := r.exec
	ok := r.initialized
	r.mu.Unlock()

	if !ok {
		return nil, ErrNotInitialized
	}

	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request for %s: %w", req.Algorithm, err)
	}

	res, err := exec.Execute(req)
	if err != nil {
		log.WithFields(log.Fields{
			"algorithm": req.Algorithm,
			"error":     err,
		}).Error("the native library did not execute cleanly")
		return nil, &ExecutionError{Algorithm: req.Algorithm, Err: err}
	}

	return res, nil
}

// registry of executor backends. The real precompiled-library adapter
// registers itself from a build-tagged file; tests register stubs.
var (
	registryMu sync.Mutex
	registry   = map[string]func() Executor{}
)

// Register makes an executor backend available under name. The first
// registered backend (sorted by name for determinism) becomes the
// default bound by Init.
func Register(name string, factory func() Executor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

func registeredExecutor() Executor {
	registryMu.Lock()
	defer registryMu.Unlock()
	if len(registry) == 0 {
		return nil
	}
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return registry[names[0]]()
}
