package journal

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.gazette.dev/fsjournal/framing"
)

// commitFile identifies a commit script and its replay progress, as encoded
// by its file name: "commit.<id>.<step>.<pending|complete>". The ID is the
// hex checksum of the commit file's content.
type commitFile struct {
	ID       string
	Step     int
	Complete bool
}

// Name returns the file name of the commitFile.
func (f commitFile) Name() string {
	var state = "pending"
	if f.Complete {
		state = "complete"
	}
	return fmt.Sprintf("commit.%s.%d.%s", f.ID, f.Step, state)
}

// parseCommitFile parses |name| into a commitFile. It returns false if
// |name| is not a commit file name.
func parseCommitFile(name string) (commitFile, bool) {
	var parts = strings.Split(name, ".")
	if len(parts) != 4 || parts[0] != "commit" {
		return commitFile{}, false
	}
	var f = commitFile{ID: parts[1]}

	if b, err := hex.DecodeString(f.ID); err != nil || len(b) != 8 {
		return commitFile{}, false
	} else if f.Step, err = strconv.Atoi(parts[2]); err != nil || f.Step < 0 {
		return commitFile{}, false
	}
	switch parts[3] {
	case "pending":
	case "complete":
		f.Complete = true
	default:
		return commitFile{}, false
	}
	return f, true
}

// tempPrefix prefixes commit files which are being written.
const tempPrefix = "write."

// commitLog owns the on-disk representation of commit scripts within the
// journal's tmp directory. All transitions of a commit file are renames.
type commitLog struct {
	fs   afero.Fs
	dir  string // Absolute tmp directory.
	hash framing.HashFunc
}

// writePending durably writes |script| as a new pending commit at step zero.
// The commit is invisible until its final rename into place.
func (l *commitLog) writePending(script []Operation) (commitFile, error) {
	var b, sum, err = encodeScript(script, l.hash)
	if err != nil {
		return commitFile{}, err
	}
	var f = commitFile{ID: fmt.Sprintf("%016x", sum)}

	if err = l.fs.MkdirAll(l.dir, 0777); err != nil {
		return commitFile{}, extendErr(err, "creating %s", l.dir)
	}
	var temp = filepath.Join(l.dir, tempPrefix+uuid.New().String())

	if err = writeSynced(l.fs, temp, b, 0666, true); err != nil {
		return commitFile{}, err
	} else if err = l.fs.Rename(temp, l.path(f)); err != nil {
		_ = l.fs.Remove(temp)
		return commitFile{}, extendErr(err, "renaming %s into place", f.Name())
	}
	syncDir(l.fs, l.dir)
	return f, nil
}

// scan classifies files of the tmp directory, and returns its pending and
// complete commits (if any). It verifies that at most one of each exists,
// and that a pending commit which coexists with a complete commit has not
// yet progressed beyond its first step.
func (l *commitLog) scan() (pending, complete *commitFile, err error) {
	var infos []os.FileInfo
	if infos, err = afero.ReadDir(l.fs, l.dir); os.IsNotExist(err) {
		return nil, nil, nil
	} else if err != nil {
		return nil, nil, extendErr(err, "reading %s", l.dir)
	}

	var pendings, completes []commitFile
	for _, info := range infos {
		if f, ok := parseCommitFile(info.Name()); !ok || info.IsDir() {
			continue // Staging directory, or an abandoned temporary write.
		} else if f.Complete {
			completes = append(completes, f)
		} else {
			pendings = append(pendings, f)
		}
	}

	if len(pendings) > 1 {
		for _, f := range pendings[1:] {
			if f.ID != pendings[0].ID {
				return nil, nil, extendErr(overlappingError{ErrMultiplePendingCommits}, "%v", pendings)
			}
		}
		// The same commit is present at multiple steps of progress.
		return nil, nil, extendErr(ErrOverlappingCommits, "%v", pendings)
	} else if len(completes) > 1 {
		return nil, nil, extendErr(ErrMultipleCompleteCommits, "%v", completes)
	} else if len(pendings) == 1 && len(completes) == 1 && pendings[0].Step != 0 {
		return nil, nil, extendErr(ErrOverlappingCommits,
			"%s at step %d with %s", pendings[0].Name(), pendings[0].Step, completes[0].Name())
	}

	if len(pendings) == 1 {
		pending = &pendings[0]
	}
	if len(completes) == 1 {
		complete = &completes[0]
	}
	return pending, complete, nil
}

// clearAbandoned removes temporary commit files of writes which were
// interrupted before their rename into place.
func (l *commitLog) clearAbandoned() error {
	var infos, err = afero.ReadDir(l.fs, l.dir)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return extendErr(err, "reading %s", l.dir)
	}
	for _, info := range infos {
		if info.IsDir() || !strings.HasPrefix(info.Name(), tempPrefix) {
			continue
		}
		if err = l.fs.Remove(filepath.Join(l.dir, info.Name())); err != nil && !os.IsNotExist(err) {
			return extendErr(err, "removing %s", info.Name())
		}
	}
	return nil
}

// load reads and verifies the script of commit |f|.
func (l *commitLog) load(f commitFile) ([]Operation, error) {
	var b, err = afero.ReadFile(l.fs, l.path(f))
	if err != nil {
		return nil, extendErr(err, "reading %s", f.Name())
	}
	script, sum, err := decodeScript(b, l.hash)
	if err != nil {
		return nil, extendErr(err, "decoding %s", f.Name())
	} else if expect, _ := strconv.ParseUint(f.ID, 16, 64); expect != sum {
		return nil, extendErr(&framing.ChecksumError{Expected: expect, Actual: sum},
			"verifying %s", f.Name())
	}

	if f.Step > len(script) || (f.Step == len(script) && !f.Complete) {
		return nil, extendErr(ErrMalformedCommit, "%s has only %d steps", f.Name(), len(script))
	}
	return script, nil
}

// advance durably records the completion of the current step of |f|,
// returning its successor. If |isLast|, the successor is complete.
func (l *commitLog) advance(f commitFile, isLast bool) (commitFile, error) {
	var next = commitFile{ID: f.ID, Step: f.Step + 1, Complete: isLast}

	if err := l.fs.Rename(l.path(f), l.path(next)); err != nil {
		return f, extendErr(err, "advancing %s", f.Name())
	}
	syncDir(l.fs, l.dir)
	return next, nil
}

func (l *commitLog) path(f commitFile) string { return filepath.Join(l.dir, f.Name()) }

// writeSynced writes |content| to |name| and syncs it before returning.
// If |exclusive|, |name| must not already exist.
func writeSynced(fs afero.Fs, name string, content []byte, mode os.FileMode, exclusive bool) error {
	var flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if exclusive {
		flags |= os.O_EXCL
	}
	var f, err = fs.OpenFile(name, flags, mode)
	if err != nil {
		return extendErr(err, "creating %s", name)
	}

	if _, err = f.Write(content); err != nil {
		err = extendErr(err, "writing %s", name)
	} else if err = f.Sync(); err != nil {
		err = extendErr(err, "syncing %s", name)
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = extendErr(closeErr, "closing %s", name)
	}
	if err != nil {
		_ = fs.Remove(name)
	}
	return err
}

// syncDir makes a best-effort attempt to sync directory |dir|, so that
// renames within it are durable.
func syncDir(fs afero.Fs, dir string) {
	if f, err := fs.Open(dir); err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
}
