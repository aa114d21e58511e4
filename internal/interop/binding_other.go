//go:build !(darwin || freebsd || linux || netbsd || windows)

package interop

import (
	"errors"
	"runtime"

	"github.com/born-ml/tokbridge/internal/resolver"
)

// Binding is unavailable on this platform; see Bind.
type Binding struct {
	API
}

// Bind always fails: purego cannot call native code on this platform.
func Bind(_, _ resolver.LibraryHandle) (*Binding, error) {
	return nil, errors.New("interop: native calls are not supported on " + runtime.GOOS)
}
