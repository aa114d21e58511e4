//go:build windows

package resolver

import (
	"golang.org/x/sys/windows"
)

// SystemOpener loads modules with LoadLibraryEx.
type SystemOpener struct{}

// Open loads path. Absolute paths make the loader resolve the module's own dependencies from
// its directory.
func (SystemOpener) Open(path string) (LibraryHandle, error) {
	var flags uintptr
	if len(path) > 2 && (path[1] == ':' || path[0] == '\\') {
		flags = windows.LOAD_WITH_ALTERED_SEARCH_PATH
	}
	h, err := windows.LoadLibraryEx(path, 0, flags)
	if err != nil {
		return 0, err
	}
	return LibraryHandle(h), nil
}

// Symbol returns the address of an exported symbol.
func Symbol(lib LibraryHandle, name string) (uintptr, error) {
	return windows.GetProcAddress(windows.Handle(lib), name)
}

// Close unloads a module opened by SystemOpener.
func Close(lib LibraryHandle) error {
	return windows.FreeLibrary(windows.Handle(lib))
}
