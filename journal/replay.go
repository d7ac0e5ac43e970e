package journal

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// apply |op| to the governed directory. Each application may be repeated:
// an operation which has already been applied is either a no-op, or is
// verified to have been applied correctly.
func (j *Journal) apply(op Operation) error {
	switch {
	case op.Message != nil:
		return j.applyMessage(op.Message)
	case op.Unlink != nil:
		return j.applyRemove("unlink", op.Unlink.Path)
	case op.Rmdir != nil:
		return j.applyRemove("rmdir", op.Rmdir.Path)
	case op.Mkdir != nil:
		return j.applyMkdir(op.Mkdir)
	case op.Rename != nil:
		return j.applyRename(op.Rename)
	default:
		return extendErr(ErrMalformedCommit, "unexpected step %s", op)
	}
}

func (j *Journal) applyMessage(op *MessageOp) error {
	j.messages = op.Messages

	if op.Prior == "" {
		return nil
	}
	var prior, ok = parseCommitFile(op.Prior)
	if !ok || !prior.Complete {
		return extendErr(ErrMalformedCommit, "invalid prior commit %q", op.Prior)
	}
	if err := j.fs.Remove(j.commits.path(prior)); os.IsNotExist(err) {
		log.WithField("prior", op.Prior).Debug("prior commit already removed")
	} else if err != nil {
		return extendErr(err, "removing prior commit %s", op.Prior)
	}
	j.prior = nil
	return nil
}

// applyRemove removes the file or empty directory at |rel|.
func (j *Journal) applyRemove(kind, rel string) error {
	var abs, err = j.guard.resolve(rel)
	if err != nil {
		return err
	}
	if err = j.fs.Remove(abs); os.IsNotExist(err) {
		log.WithFields(log.Fields{"op": kind, "path": rel}).Debug("already removed")
	} else if err != nil {
		return extendErr(err, "%s %s", kind, rel)
	}
	return nil
}

func (j *Journal) applyMkdir(op *MkdirOp) error {
	var abs, err = j.guard.resolve(op.Path)
	if err != nil {
		return err
	}
	if err = j.fs.Mkdir(abs, os.FileMode(op.Mode)); err == nil {
		return nil
	} else if !os.IsExist(err) {
		return extendErr(err, "mkdir %s", op.Path)
	}

	// The directory was created by a prior application of this step.
	if info, err := j.fs.Stat(abs); err != nil {
		return extendErr(err, "stat(%s)", op.Path)
	} else if !info.IsDir() {
		return &IntegrityError{Op: "mkdir", Path: op.Path, Err: ErrRenameNotDirectory}
	}
	log.WithFields(log.Fields{"op": "mkdir", "path": op.Path}).Debug("already created")
	return nil
}

// applyRename moves op.From to op.To. Content checksums of renamed files
// were captured by Prepare, and are verified against the source before it's
// moved. If the source no longer exists, the step was previously applied and
// its destination is verified instead.
func (j *Journal) applyRename(op *RenameOp) error {
	var from, err = j.guard.resolve(op.From)
	if err != nil {
		return err
	}
	to, err := j.guard.resolve(op.To)
	if err != nil {
		return err
	}

	if _, err = j.fs.Stat(from); os.IsNotExist(err) {
		log.WithFields(log.Fields{"op": "rename", "path": op.From}).Debug("already renamed")
		return j.verifyRenamed(op, op.To, to)
	} else if err != nil {
		return extendErr(err, "stat(%s)", op.From)
	} else if err = j.verifyRenamed(op, op.From, from); err != nil {
		return err
	}

	if err = j.fs.Rename(from, to); os.IsNotExist(err) {
		return j.verifyRenamed(op, op.To, to)
	} else if err != nil {
		return extendErr(err, "rename %s to %s", op.From, op.To)
	}
	syncDir(j.fs, filepath.Dir(to))
	return nil
}

// verifyRenamed verifies that the file or directory at |abs| is that
// expected by |op|.
func (j *Journal) verifyRenamed(op *RenameOp, rel, abs string) error {
	var info, err = j.fs.Stat(abs)
	if os.IsNotExist(err) {
		return &IntegrityError{Op: "rename", Path: rel, Err: ErrRenameNonExtant}
	} else if err != nil {
		return extendErr(err, "stat(%s)", rel)
	}

	if info.IsDir() != op.Dir {
		return &IntegrityError{
			Op:       "rename",
			Path:     rel,
			Expected: kindName(op.Dir),
			Actual:   kindName(info.IsDir()),
			Err:      ErrRenameNotDirectory,
		}
	} else if op.Dir {
		return nil
	}

	content, err := afero.ReadFile(j.fs, abs)
	if err != nil {
		return extendErr(err, "reading %s", rel)
	}
	if sum := j.commits.hash(content); sum != op.Sum {
		return &IntegrityError{
			Op:       "rename",
			Path:     rel,
			Expected: fmt.Sprintf("%016x", op.Sum),
			Actual:   fmt.Sprintf("%016x", sum),
			Err:      ErrRenameBadHash,
		}
	}
	return nil
}

func kindName(dir bool) string {
	if dir {
		return "directory"
	}
	return "file"
}
