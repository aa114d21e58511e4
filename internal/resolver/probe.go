package resolver

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// EnvNativePath lists extra directories to search for native libraries, separated by the
// platform list separator (':' on unix, ';' on Windows).
const EnvNativePath = "TOKBRIDGE_NATIVE_PATH"

const hostGOOS = runtime.GOOS

// RuntimeIdentifier returns the platform/architecture directory name used by packaged native
// assets, e.g. "linux-x64", "osx-arm64" or "win-x86".
func RuntimeIdentifier(goos, goarch string) string {
	osPart := goos
	switch goos {
	case "darwin", "ios":
		osPart = "osx"
	case "windows":
		osPart = "win"
	}
	archPart := goarch
	switch goarch {
	case "amd64":
		archPart = "x64"
	case "386":
		archPart = "x86"
	}
	return osPart + "-" + archPart
}

// LibraryFileName maps a symbolic library name to the platform file name. Names that already
// look like file names are returned unchanged.
func LibraryFileName(name, goos string) string {
	if strings.ContainsAny(name, `/\`) || filepath.Ext(name) != "" {
		return name
	}
	switch goos {
	case "windows":
		return name + ".dll"
	case "darwin", "ios":
		return "lib" + name + ".dylib"
	default:
		return "lib" + name + ".so"
	}
}

// ProbeCandidates lists, in probe order, the paths where the library name may live under the
// given base directories. For each base it yields:
//
//	<base>/runtimes/<rid>/native/<file>
//	<base>/<rid>/<file>
//	<base>/<file>
//
// It is a pure function of its arguments; duplicates are dropped keeping the first occurrence.
func ProbeCandidates(bases []string, goos, goarch, name string) []string {
	rid := RuntimeIdentifier(goos, goarch)
	file := LibraryFileName(name, goos)
	seen := make(map[string]struct{}, 3*len(bases))
	candidates := make([]string, 0, 3*len(bases))
	add := func(p string) {
		if _, dup := seen[p]; dup {
			return
		}
		seen[p] = struct{}{}
		candidates = append(candidates, p)
	}
	for _, base := range bases {
		if base == "" {
			continue
		}
		add(filepath.Join(base, "runtimes", rid, "native", file))
		add(filepath.Join(base, rid, file))
		add(filepath.Join(base, file))
	}
	return candidates
}

// SearchDirsFromEnv splits the value of EnvNativePath using getenv, skipping empty entries.
func SearchDirsFromEnv(getenv func(string) string) []string {
	var dirs []string
	for _, d := range filepath.SplitList(getenv(EnvNativePath)) {
		if d = strings.TrimSpace(d); d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// DefaultSearchDirs returns the directories probed by the default resolver: directories from
// EnvNativePath first, then the executable's directory and the working directory.
func DefaultSearchDirs() []string {
	dirs := SearchDirsFromEnv(os.Getenv)
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	return dirs
}

// FileExists reports whether path names an existing regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// ProbeResolver returns a resolver that opens the first existing candidate among the hint
// directories followed by bases. exists and opener may be nil to use FileExists and the
// system loader.
func ProbeResolver(bases []string, exists func(string) bool, opener Opener) ResolverFunc {
	if exists == nil {
		exists = FileExists
	}
	if opener == nil {
		opener = SystemOpener{}
	}
	return func(name string, _ BindingUnit, hint SearchHint) LibraryHandle {
		dirs := append(append([]string(nil), hint.Dirs...), bases...)
		for _, candidate := range ProbeCandidates(dirs, runtime.GOOS, runtime.GOARCH, name) {
			if !exists(candidate) {
				continue
			}
			if h, err := opener.Open(candidate); err == nil && h != 0 {
				return h
			}
		}
		return 0
	}
}

// CRuntimeName returns the file name of the platform C runtime that provides malloc and free.
func CRuntimeName(goos string) string {
	switch goos {
	case "darwin", "ios":
		return "/usr/lib/libSystem.B.dylib"
	case "windows":
		return "msvcrt.dll"
	case "freebsd":
		return "libc.so.7"
	case "netbsd", "openbsd":
		return "libc.so"
	default:
		return "libc.so.6"
	}
}

// CRuntimeResolver resolves the symbolic name "c" to the platform C runtime.
func CRuntimeResolver(opener Opener) ResolverFunc {
	if opener == nil {
		opener = SystemOpener{}
	}
	return func(name string, _ BindingUnit, _ SearchHint) LibraryHandle {
		if name != "c" {
			return 0
		}
		h, err := opener.Open(CRuntimeName(runtime.GOOS))
		if err != nil {
			return 0
		}
		return h
	}
}
