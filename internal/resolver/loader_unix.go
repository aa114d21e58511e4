//go:build (darwin || freebsd || linux || netbsd) && !android

package resolver

import (
	"github.com/ebitengine/purego"
)

// SystemOpener loads modules with the platform dynamic loader.
type SystemOpener struct{}

// Open loads path with RTLD_NOW|RTLD_GLOBAL so later symbol lookups never fail lazily.
func (SystemOpener) Open(path string) (LibraryHandle, error) {
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return 0, err
	}
	return LibraryHandle(h), nil
}

// Symbol returns the address of an exported symbol.
func Symbol(lib LibraryHandle, name string) (uintptr, error) {
	return purego.Dlsym(uintptr(lib), name)
}

// Close unloads a module opened by SystemOpener.
func Close(lib LibraryHandle) error {
	return purego.Dlclose(uintptr(lib))
}
