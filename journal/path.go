package journal

import (
	"path"
	"path/filepath"
	"strings"
)

// pathGuard normalizes relative path arguments, and resolves them to
// absolute paths within a governed directory. Normalized paths use forward
// slashes regardless of platform.
type pathGuard struct {
	directory string // Absolute, canonical governed directory.
	tmp       string // Normalized relative path of the journal's tmp directory.
}

// normalize cleans relative path |p| into its normal form. It rejects
// absolute paths, paths having any ".." component, paths naming the governed
// directory itself, and paths which contain or are within the journal's
// tmp directory.
func (g pathGuard) normalize(p string) (string, error) {
	var slashed = filepath.ToSlash(p)

	if path.IsAbs(slashed) || filepath.IsAbs(p) {
		return "", &PathError{Path: p, Err: ErrNotRelative}
	}
	for _, c := range strings.Split(slashed, "/") {
		if c == ".." {
			return "", &PathError{Path: p, Err: ErrEscapes}
		}
	}
	var clean = path.Clean(slashed)

	if clean == "." {
		return "", &PathError{Path: p, Err: ErrEscapes}
	} else if clean == g.tmp || strings.HasPrefix(clean, g.tmp+"/") ||
		strings.HasPrefix(g.tmp, clean+"/") {
		return "", &PathError{Path: p, Err: ErrReservedPath}
	}
	return clean, nil
}

// resolve maps normalized relative path |rel| to an absolute path, which
// must fall within the governed directory.
func (g pathGuard) resolve(rel string) (string, error) {
	var abs = filepath.Join(g.directory, filepath.FromSlash(rel))

	var prefix = g.directory
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if !strings.HasPrefix(abs, prefix) {
		return "", &PathError{Path: rel, Err: ErrOutsideDirectory}
	}
	return abs, nil
}
