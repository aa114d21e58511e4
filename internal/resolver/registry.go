// Package resolver locates and loads the native libraries behind a binding unit.
//
// Each binding unit (the Go package that declares native bindings) owns an ordered list of
// resolver functions. The first time a unit references a library name, the registry takes a
// snapshot of that list under its lock, then invokes the resolvers outside the lock in
// registration order until one produces a handle. When none does, the unit falls back to the
// operating system's default search.
package resolver

import (
	"fmt"
	"slices"
	"sync"

	"github.com/go-logr/logr"
)

// LibraryHandle is an opaque handle to a loaded native module. Zero means "not resolved".
type LibraryHandle uintptr

// BindingUnit names the boundary native resolvers are registered against, usually the import
// path of the package declaring the bindings.
type BindingUnit string

// SearchHint carries caller-provided search information to resolvers.
type SearchHint struct {
	// Dirs are extra directories to probe before the registry's own search directories.
	Dirs []string
}

// ResolverFunc maps a symbolic library name to a loaded module, or returns 0 to let the next
// resolver (and finally the OS default search) try.
type ResolverFunc func(name string, unit BindingUnit, hint SearchHint) LibraryHandle

// Opener opens a native module from a path or bare file name.
type Opener interface {
	Open(path string) (LibraryHandle, error)
}

// unitEntry is the per-binding-unit state.
type unitEntry struct {
	resolvers []ResolverFunc
	hooked    bool
	installs  int

	loadMu sync.Mutex
	loaded map[string]LibraryHandle
}

// Registry is a lock-guarded table of resolver lists keyed by binding unit.
// The zero value is not usable; create one with NewRegistry.
type Registry struct {
	mu     sync.Mutex
	units  map[BindingUnit]*unitEntry
	opener Opener
	goos   string
	logger logr.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithOpener replaces the OS loader used for the default-search fallback.
func WithOpener(o Opener) Option {
	return func(r *Registry) {
		r.opener = o
	}
}

// WithLogger sets the logger used for resolution events.
func WithLogger(logger logr.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithGOOS overrides the target OS used to derive library file names.
func WithGOOS(goos string) Option {
	return func(r *Registry) {
		r.goos = goos
	}
}

// NewRegistry creates an empty registry that falls back to the system loader.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		units:  make(map[BindingUnit]*unitEntry),
		opener: SystemOpener{},
		goos:   hostGOOS,
		logger: logr.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the process-wide registry. It is initialized once, on first use, and is
// append-only afterwards: resolvers can be registered but never removed.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Register appends fn to the resolver list of unit. The first registration for a unit also
// installs the unit's dispatch hook; later registrations only extend the list.
func (r *Registry) Register(unit BindingUnit, fn ResolverFunc) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entryLocked(unit)
	entry.resolvers = append(entry.resolvers, fn)
	r.installHookLocked(unit, entry)
}

// entryLocked returns the entry for unit, creating it if needed. r.mu must be held.
func (r *Registry) entryLocked(unit BindingUnit) *unitEntry {
	entry, ok := r.units[unit]
	if !ok {
		entry = &unitEntry{loaded: make(map[string]LibraryHandle)}
		r.units[unit] = entry
	}
	return entry
}

// installHookLocked installs the dispatch hook for unit once. r.mu must be held.
func (r *Registry) installHookLocked(unit BindingUnit, entry *unitEntry) {
	if entry.hooked {
		return
	}
	entry.hooked = true
	entry.installs++
	r.logger.V(1).Info("installed native resolver hook", "unit", unit)
}

// HookInstalls reports how many times the dispatch hook for unit was installed: 0 before any
// registration, 1 afterwards.
func (r *Registry) HookInstalls(unit BindingUnit) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.units[unit]; ok {
		return entry.installs
	}
	return 0
}

// Resolve runs the resolvers registered for unit, in registration order, and returns the first
// non-zero handle. It returns 0 when no resolver matched.
//
// The resolver list is snapshotted under the lock; resolvers themselves run outside it, so a
// slow filesystem probe never blocks registration or lookups for other units.
func (r *Registry) Resolve(name string, unit BindingUnit, hint SearchHint) LibraryHandle {
	r.mu.Lock()
	var snapshot []ResolverFunc
	if entry, ok := r.units[unit]; ok {
		snapshot = slices.Clone(entry.resolvers)
	}
	r.mu.Unlock()

	for i, fn := range snapshot {
		if h := fn(name, unit, hint); h != 0 {
			r.logger.V(2).Info("native library resolved", "unit", unit, "name", name, "resolver", i)
			return h
		}
	}
	return 0
}

// Load returns the module for name as seen from unit, resolving it on first reference.
// Resolution goes through the unit's resolvers and falls back to the OS default search by
// platform file name. Successful loads are cached per unit.
func (r *Registry) Load(unit BindingUnit, name string, hint SearchHint) (LibraryHandle, error) {
	if name == "" {
		return 0, fmt.Errorf("resolver: empty library name for unit %q", unit)
	}

	r.mu.Lock()
	entry := r.entryLocked(unit)
	r.mu.Unlock()

	entry.loadMu.Lock()
	defer entry.loadMu.Unlock()
	if h, ok := entry.loaded[name]; ok {
		return h, nil
	}

	h := r.Resolve(name, unit, hint)
	if h == 0 {
		var err error
		fileName := LibraryFileName(name, r.goos)
		h, err = r.opener.Open(fileName)
		if err != nil {
			return 0, fmt.Errorf("resolver: %q not found for unit %q (default search for %q): %w", name, unit, fileName, err)
		}
		r.logger.V(1).Info("native library loaded by default search", "unit", unit, "file", fileName)
	}
	entry.loaded[name] = h
	return h, nil
}
