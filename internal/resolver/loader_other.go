//go:build !((darwin || freebsd || linux || netbsd) && !android) && !windows

package resolver

import (
	"errors"
	"runtime"
)

var errUnsupportedPlatform = errors.New("resolver: native libraries are not supported on " + runtime.GOOS)

// SystemOpener reports that dynamic loading is unavailable on this platform.
type SystemOpener struct{}

// Open always fails.
func (SystemOpener) Open(string) (LibraryHandle, error) { return 0, errUnsupportedPlatform }

// Symbol always fails.
func Symbol(LibraryHandle, string) (uintptr, error) { return 0, errUnsupportedPlatform }

// Close always fails.
func Close(LibraryHandle) error { return errUnsupportedPlatform }
