package journal

import (
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
	"go.gazette.dev/fsjournal/framing"
)

// node is the modeled state of one path within a tree.
type node struct {
	// Does the path exist, and is it a directory?
	exists, dir bool
	// Has the path been touched by the script? Once staged, the fate of the
	// path is determined by the script alone and never by the filesystem.
	staged bool
	// Relative path of the filesystem entry backing this node, or empty if
	// there is none (eg, a directory created by the script). Unloaded
	// children of a directory node are stat'd beneath its origin.
	origin string
	// Content checksum of a file node. Lazily computed upon rename.
	sum *uint64
}

// tree is an in-memory and lazily populated model of a directory, used to
// validate a script of operations before any of them are written to disk.
// Each operation applied to a tree observes the cumulative effect of those
// applied before it.
type tree struct {
	fs    afero.Fs
	guard pathGuard
	hash  framing.HashFunc
	nodes map[string]*node
}

func newTree(fs afero.Fs, guard pathGuard, hash framing.HashFunc) *tree {
	return &tree{
		fs:    fs,
		guard: guard,
		hash:  hash,
		nodes: map[string]*node{".": {exists: true, dir: true, origin: "."}},
	}
}

// load returns nodes of each component of normalized path |p|, stat-ing
// each unpopulated component at most once. Loading stops at the first
// component which doesn't exist or is not a directory, and nodes beyond it
// are nil.
func (t *tree) load(p string) ([]*node, error) {
	var parts = strings.Split(p, "/")
	var chain = make([]*node, len(parts))
	var parent = t.nodes["."]

	for i := range parts {
		var key = path.Join(parts[:i+1]...)
		var n, ok = t.nodes[key]

		if !ok {
			var err error
			if n, err = t.stat(parent, parts[i]); err != nil {
				return nil, err
			}
			t.nodes[key] = n
		}
		chain[i] = n

		if !n.exists || !n.dir {
			break
		}
		parent = n
	}
	return chain, nil
}

// stat models child |name| of |parent| from the filesystem.
func (t *tree) stat(parent *node, name string) (*node, error) {
	if parent.origin == "" {
		return &node{}, nil // Children of a new directory don't exist.
	}
	var origin = path.Join(parent.origin, name)

	var abs, err = t.guard.resolve(origin)
	if err != nil {
		return nil, err
	}
	info, err := t.fs.Stat(abs)

	if os.IsNotExist(err) {
		return &node{}, nil
	} else if err != nil {
		return nil, extendErr(err, "stat(%s)", origin)
	}
	return &node{exists: true, dir: info.IsDir(), origin: origin}, nil
}

// ancestors verifies that every ancestor of |chain| is an extant directory.
// |missing| is returned if an ancestor doesn't exist.
func ancestors(p string, chain []*node, missing error) error {
	for _, n := range chain[:len(chain)-1] {
		if !n.exists {
			return &ValidationError{Path: p, Err: missing}
		} else if !n.dir {
			return &ValidationError{Path: p, Err: ErrNotADirectory}
		}
	}
	return nil
}

// checkInsert verifies that a node may be installed at |p|. If |overwrite|,
// an existing file at |p| may be replaced.
func (t *tree) checkInsert(p string, overwrite bool) error {
	var chain, err = t.load(p)
	if err != nil {
		return err
	} else if err = ancestors(p, chain, ErrPathDoesNotExist); err != nil {
		return err
	}

	var n = chain[len(chain)-1]
	if n.exists && n.dir && overwrite {
		return &ValidationError{Path: p, Err: ErrIsADirectory}
	} else if n.exists && !overwrite {
		return &ValidationError{Path: p, Err: ErrAlreadyExists}
	}
	return nil
}

// Expected kinds of a removed node.
type kind int

const (
	anyKind kind = iota
	fileKind
	dirKind
)

// checkRemove verifies that |p| may be removed, and returns its node.
func (t *tree) checkRemove(p string, expect kind) (*node, error) {
	var chain, err = t.load(p)
	if err != nil {
		return nil, err
	} else if err = ancestors(p, chain, ErrFileDoesNotExist); err != nil {
		return nil, err
	}

	var n = chain[len(chain)-1]
	if !n.exists {
		return nil, &ValidationError{Path: p, Err: ErrFileDoesNotExist}
	} else if expect == dirKind && !n.dir {
		return nil, &ValidationError{Path: p, Err: ErrNotADirectory}
	} else if expect == fileKind && n.dir {
		return nil, &ValidationError{Path: p, Err: ErrIsADirectory}
	}
	return n, nil
}

// mk installs staged node |n| at |p|.
func (t *tree) mk(p string, n *node, overwrite bool) error {
	if err := t.checkInsert(p, overwrite); err != nil {
		return err
	}
	t.dropChildren(p)
	n.staged = true
	t.nodes[p] = n
	return nil
}

// rm removes |p|, which must be of the |expect| kind, leaving a tombstone.
func (t *tree) rm(p string, expect kind) (*node, error) {
	var n, err = t.checkRemove(p, expect)
	if err != nil {
		return nil, err
	} else if expect == dirKind {
		if err = t.checkEmpty(p, n); err != nil {
			return nil, err
		}
	}
	t.dropChildren(p)
	t.nodes[p] = &node{staged: true}
	return n, nil
}

// rename moves |from| to |to|, and returns the moved node. Both the removal
// of |from| and the insertion of |to| are verified before either is applied.
// The content checksum of a renamed file is captured from its origin.
func (t *tree) rename(from, to string) (*node, error) {
	if to == from || strings.HasPrefix(to, from+"/") {
		return nil, &ValidationError{Path: to, Err: ErrRenameIntoSelf}
	}
	var n, err = t.checkRemove(from, anyKind)
	if err != nil {
		return nil, err
	} else if err = t.checkInsert(to, false); err != nil {
		return nil, err
	}

	if !n.dir && n.sum == nil {
		if n.sum, err = t.checksum(n.origin); err != nil {
			return nil, err
		}
	}
	var moved = &node{exists: true, dir: n.dir, staged: true, origin: n.origin, sum: n.sum}

	// Modeled descendants of |from| move with it. Those of |to| are
	// necessarily non-extant, and are discarded.
	t.dropChildren(to)
	var children = make(map[string]*node)
	for key, child := range t.nodes {
		if strings.HasPrefix(key, from+"/") {
			children[to+key[len(from):]] = child
		}
	}
	t.dropChildren(from)
	for key, child := range children {
		t.nodes[key] = child
	}
	t.nodes[from] = &node{staged: true}
	t.nodes[to] = moved

	return moved, nil
}

// checkEmpty verifies that directory node |n| at |p| has no extant children,
// considering both modeled children and unmodeled entries of its origin.
func (t *tree) checkEmpty(p string, n *node) error {
	for key, child := range t.nodes {
		if child.exists && strings.HasPrefix(key, p+"/") {
			return &ValidationError{Path: p, Err: ErrNotEmpty}
		}
	}
	if n.origin == "" {
		return nil
	}
	var abs, err = t.guard.resolve(n.origin)
	if err != nil {
		return err
	}
	infos, err := afero.ReadDir(t.fs, abs)
	if err != nil {
		return extendErr(err, "reading %s", n.origin)
	}
	for _, info := range infos {
		if _, ok := t.nodes[p+"/"+info.Name()]; !ok {
			return &ValidationError{Path: p, Err: ErrNotEmpty}
		}
	}
	return nil
}

func (t *tree) dropChildren(p string) {
	for key := range t.nodes {
		if strings.HasPrefix(key, p+"/") {
			delete(t.nodes, key)
		}
	}
}

// checksum reads and sums the file at relative |origin|.
func (t *tree) checksum(origin string) (*uint64, error) {
	if origin == "" {
		return nil, extendErr(ErrMalformedCommit, "file node without an origin")
	}
	var abs, err = t.guard.resolve(origin)
	if err != nil {
		return nil, err
	}
	content, err := afero.ReadFile(t.fs, abs)
	if err != nil {
		return nil, extendErr(err, "reading %s", origin)
	}
	var sum = t.hash(content)
	return &sum, nil
}
