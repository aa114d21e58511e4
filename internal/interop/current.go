package interop

import (
	"sync"
	"sync/atomic"

	"github.com/born-ml/tokbridge/internal/resolver"
)

// Unit is the binding unit the native library and the C runtime are resolved against.
const Unit resolver.BindingUnit = "github.com/born-ml/tokbridge/internal/interop"

type slot struct {
	api API
}

// current is process-wide test-only state: the override installed by Use.
var current atomic.Pointer[slot]

// Use makes api the implementation returned by Current until the returned restore function is
// called. Restore puts back whatever was installed before and is safe to call more than once.
// Overrides nest: restores must run in reverse order of the Use calls.
//
// Prefer passing an API explicitly to constructors; Use exists to substitute a test double for
// code paths that only consult Current.
func Use(api API) (restore func()) {
	var next *slot
	if api != nil {
		next = &slot{api: api}
	}
	prev := current.Swap(next)
	var once sync.Once
	return func() {
		once.Do(func() { current.Store(prev) })
	}
}

// Current returns the override installed by Use, or the native binding.
func Current() (API, error) {
	if s := current.Load(); s != nil {
		return s.api, nil
	}
	return Native()
}

var (
	nativeOnce sync.Once
	nativeAPI  *Binding
	nativeErr  error
)

// Native binds the native library once per process, using the default resolver registry.
func Native() (API, error) {
	nativeOnce.Do(func() {
		nativeAPI, nativeErr = BindFrom(resolver.Default(), resolver.SearchHint{})
	})
	if nativeErr != nil {
		return nil, nativeErr
	}
	return nativeAPI, nil
}

var registerOnce sync.Once

// RegisterResolvers installs the interop unit's resolvers on the default registry: the C runtime
// first, then a probe of the default search directories. It runs at most once.
func RegisterResolvers() {
	registerOnce.Do(func() {
		reg := resolver.Default()
		reg.Register(Unit, resolver.CRuntimeResolver(nil))
		reg.Register(Unit, resolver.ProbeResolver(resolver.DefaultSearchDirs(), nil, nil))
	})
}

// BindFrom resolves the native library and the C runtime through reg and binds them. When reg
// is the default registry, the interop unit's resolvers are registered first.
func BindFrom(reg *resolver.Registry, hint resolver.SearchHint) (*Binding, error) {
	if reg == resolver.Default() {
		RegisterResolvers()
	}
	lib, err := reg.Load(Unit, LibraryName, hint)
	if err != nil {
		return nil, err
	}
	crt, err := reg.Load(Unit, "c", hint)
	if err != nil {
		return nil, err
	}
	return Bind(lib, crt)
}
