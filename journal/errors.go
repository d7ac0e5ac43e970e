package journal

import (
	"fmt"

	"github.com/pkg/errors"
)

// Usage and configuration faults.
var (
	ErrAlreadyCommitted         = errors.New("journal is already committing")
	ErrNotCommitting            = errors.New("journal is not committing")
	ErrCommitInProgress         = errors.New("commit is in progress")
	ErrDirectoryPathNotAbsolute = errors.New("directory path is not absolute")
	ErrTmpNotInDirectory        = errors.New("tmp is not within directory")
)

// PathGuard faults.
var (
	ErrNotRelative      = errors.New("path is not relative")
	ErrEscapes          = errors.New("path escapes its directory")
	ErrOutsideDirectory = errors.New("path resolves outside of directory")
	ErrReservedPath     = errors.New("path is reserved for the journal")
)

// Validation faults, reported by Prepare.
var (
	ErrNotADirectory    = errors.New("not a directory")
	ErrIsADirectory     = errors.New("is a directory")
	ErrPathDoesNotExist = errors.New("path does not exist")
	ErrAlreadyExists    = errors.New("already exists")
	ErrFileDoesNotExist = errors.New("file does not exist")
	ErrRenameIntoSelf   = errors.New("cannot rename a directory into itself")
	ErrNotEmpty         = errors.New("directory not empty")
)

// Integrity faults. These are never retried.
var (
	ErrRenameBadHash           = errors.New("renamed file has an unexpected checksum")
	ErrRenameNotDirectory      = errors.New("expected a directory")
	ErrRenameNonExtant         = errors.New("renamed path does not exist")
	ErrMultiplePendingCommits  = errors.New("multiple pending commits")
	ErrMultipleCompleteCommits = errors.New("multiple complete commits")
	ErrOverlappingCommits      = errors.New("overlapping commits")
	ErrMalformedCommit         = errors.New("malformed commit")
)

// PathError is a fault of a path argument.
type PathError struct {
	Path string
	Err  error
}

func (e *PathError) Error() string { return fmt.Sprintf("%q: %s", e.Path, e.Err) }
func (e *PathError) Unwrap() error { return e.Err }

// ValidationError is a fault of an Operation which cannot apply to the
// (hypothetical) state of the directory at its position in the script.
type ValidationError struct {
	Op   string
	Path string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Op, e.Path, e.Err)
}
func (e *ValidationError) Unwrap() error { return e.Err }

// IntegrityError is a fault detected while replaying a commit script,
// which indicates corruption or a violation of the single-actor contract.
type IntegrityError struct {
	Op       string
	Path     string
	Expected string
	Actual   string
	Err      error
}

func (e *IntegrityError) Error() string {
	if e.Expected == "" && e.Actual == "" {
		return fmt.Sprintf("%s %q: %s", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %q: %s (expected %s, actual %s)", e.Op, e.Path, e.Err, e.Expected, e.Actual)
}
func (e *IntegrityError) Unwrap() error { return e.Err }

// overlappingError is an integrity fault which is also an instance of
// ErrOverlappingCommits.
type overlappingError struct{ err error }

func (e overlappingError) Error() string        { return e.err.Error() }
func (e overlappingError) Unwrap() error        { return e.err }
func (e overlappingError) Is(target error) bool { return target == ErrOverlappingCommits }

func extendErr(err error, mFmt string, args ...interface{}) error {
	if err == nil {
		panic("expected error")
	} else if _, ok := err.(interface{ StackTrace() errors.StackTrace }); ok {
		// Avoid attaching another errors.StackTrace if one is already present.
		return errors.WithMessage(err, fmt.Sprintf(mFmt, args...))
	} else {
		// Use Wrapf to simultaneously attach |mFmt| and the current stack trace.
		return errors.Wrapf(err, mFmt, args...)
	}
}
