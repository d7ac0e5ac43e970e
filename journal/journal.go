package journal

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.gazette.dev/fsjournal/framing"
	"go.gazette.dev/fsjournal/metrics"
)

// State of a Journal.
type State int

const (
	// Composing Journals accept operations, and may be prepared.
	Composing State = iota
	// Committing Journals hold a durable commit script being replayed.
	Committing
)

func (s State) String() string {
	switch s {
	case Composing:
		return "COMPOSING"
	case Committing:
		return "COMMITTING"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// DefaultTmp is the default name of the journal's tmp directory.
const DefaultTmp = "commit"

// Config of a Journal. Zero-valued fields take defaults.
type Config struct {
	// Tmp directory of the journal, relative to the governed directory.
	// An absolute Tmp must fall within the governed directory.
	Tmp string
	// Fs through which all filesystem operations are made.
	Fs afero.Fs
	// Hash used to checksum commit files and renamed file content. It must
	// be the same across every Journal of a directory.
	Hash framing.HashFunc
}

// WriteOptions of a WriteFile operation.
type WriteOptions struct {
	// Mode of the written file. If zero, 0666 is used (before umask).
	Mode os.FileMode
	// Overwrite permits replacing an existing file.
	Overwrite bool
}

// Journal is a filesystem transaction over a governed directory. See package
// documentation for details.
type Journal struct {
	// Directory is the absolute, canonical governed directory.
	Directory string

	fs      afero.Fs
	guard   pathGuard
	commits commitLog
	state   State

	// Operations and messages composed since the last Prepare.
	composed []Operation
	pending  [][]byte
	// Messages of the last applied commit script.
	messages [][]byte
	// Complete commit of the preceding transaction, if one remains.
	prior *commitFile

	// Current commit and its script, while Committing.
	commit commitFile
	script []Operation
}

// Open the Journal of |directory|, which must be absolute and is created if
// it doesn't exist. If a commit of a prior process was left pending, the
// returned Journal is Committing and the caller must Commit it before
// composing new operations.
func Open(directory string, cfg Config) (*Journal, error) {
	if !filepath.IsAbs(directory) {
		return nil, &PathError{Path: directory, Err: ErrDirectoryPathNotAbsolute}
	}
	if cfg.Tmp == "" {
		cfg.Tmp = DefaultTmp
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Hash == nil {
		cfg.Hash, _ = framing.LookupHash(framing.DefaultHash)
	}
	directory = filepath.Clean(directory)

	var tmp = cfg.Tmp
	if !filepath.IsAbs(tmp) {
		tmp = filepath.Join(directory, tmp)
	}
	var rel, err = filepath.Rel(directory, tmp)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, &PathError{Path: cfg.Tmp, Err: ErrTmpNotInDirectory}
	}

	if err = cfg.Fs.MkdirAll(directory, 0777); err != nil {
		return nil, extendErr(err, "creating %s", directory)
	}
	if _, ok := cfg.Fs.(*afero.OsFs); ok {
		if directory, err = filepath.EvalSymlinks(directory); err != nil {
			return nil, extendErr(err, "resolving %s", directory)
		}
	}

	var j = &Journal{
		Directory: directory,
		fs:        cfg.Fs,
		guard:     pathGuard{directory: directory, tmp: filepath.ToSlash(rel)},
		commits: commitLog{
			fs:   cfg.Fs,
			dir:  filepath.Join(directory, rel),
			hash: cfg.Hash,
		},
	}
	if err = j.recover(); err != nil {
		return nil, err
	}
	return j, nil
}

// recover the Journal's state from its tmp directory.
func (j *Journal) recover() error {
	var pending, complete, err = j.commits.scan()
	if err != nil {
		return err
	}

	if complete != nil {
		var script []Operation
		if script, err = j.commits.load(*complete); err != nil {
			return err
		}
		j.messages, j.prior = script[0].Message.Messages, complete
	}
	if pending == nil {
		return nil
	}

	if j.script, err = j.commits.load(*pending); err != nil {
		return err
	}
	j.commit, j.state = *pending, Committing

	if pending.Step != 0 {
		// The script's message step was already applied.
		j.messages, j.prior = j.script[0].Message.Messages, nil
	}
	metrics.RecoveredCommitsTotal.Inc()

	log.WithFields(log.Fields{
		"directory": j.Directory,
		"commit":    pending.Name(),
		"step":      pending.Step,
		"steps":     len(j.script),
	}).Info("recovered pending commit")

	return nil
}

// Message appends |b| to the messages of the transaction.
func (j *Journal) Message(b []byte) error {
	if j.state != Composing {
		return ErrAlreadyCommitted
	}
	j.pending = append(j.pending, append([]byte{}, b...))
	return nil
}

// Unlink removes the file at |p|.
func (j *Journal) Unlink(p string) error {
	return j.compose(func() (Operation, error) {
		var rel, err = j.guard.normalize(p)
		return Operation{Unlink: &PathOp{Path: rel}}, err
	})
}

// Rmdir removes the empty directory at |p|.
func (j *Journal) Rmdir(p string) error {
	return j.compose(func() (Operation, error) {
		var rel, err = j.guard.normalize(p)
		return Operation{Rmdir: &PathOp{Path: rel}}, err
	})
}

// Mkdir creates a directory at |p| with |mode|, or 0777 if zero (before umask).
func (j *Journal) Mkdir(p string, mode os.FileMode) error {
	if mode == 0 {
		mode = 0777
	}
	return j.compose(func() (Operation, error) {
		var rel, err = j.guard.normalize(p)
		return Operation{Mkdir: &MkdirOp{Path: rel, Mode: uint32(mode.Perm())}}, err
	})
}

// Rename moves the file or directory at |from| to |to|, which must not exist.
func (j *Journal) Rename(from, to string) error {
	return j.compose(func() (Operation, error) {
		var relFrom, err = j.guard.normalize(from)
		if err != nil {
			return Operation{}, err
		}
		relTo, err := j.guard.normalize(to)
		return Operation{Rename: &RenameOp{From: relFrom, To: relTo}}, err
	})
}

// WriteFile emplaces a file at |p| having |content|. The content is retained
// in memory until Prepare, which stages it within the tmp directory.
func (j *Journal) WriteFile(p string, content []byte, opts WriteOptions) error {
	if opts.Mode == 0 {
		opts.Mode = 0666
	}
	return j.compose(func() (Operation, error) {
		var rel, err = j.guard.normalize(p)
		return Operation{Write: &WriteOp{
			Path:      rel,
			Mode:      opts.Mode.Perm(),
			Overwrite: opts.Overwrite,
			Content:   append([]byte(nil), content...),
		}}, err
	})
}

// WriteHashedFile emplaces a file having |content| at the path returned by
// |format|, which is called with the hex checksum of |content|. It returns
// the formatted path.
func (j *Journal) WriteHashedFile(format func(sum string) string, content []byte, opts WriteOptions) (string, error) {
	var p = format(fmt.Sprintf("%016x", j.commits.hash(content)))
	return p, j.WriteFile(p, content, opts)
}

func (j *Journal) compose(fn func() (Operation, error)) error {
	if j.state != Composing {
		return ErrAlreadyCommitted
	}
	var op, err = fn()
	if err != nil {
		return err
	}
	j.composed = append(j.composed, op)
	return nil
}

// Reset discards composed operations and messages.
func (j *Journal) Reset() error {
	if j.state != Composing {
		return ErrAlreadyCommitted
	}
	j.composed, j.pending = nil, nil
	return nil
}

// Prepare validates composed operations against the governed directory,
// and durably writes them as a commit script. Upon success the Journal is
// Committing. A validation fault leaves both the directory and the composed
// operations unchanged.
func (j *Journal) Prepare() (err error) {
	if j.state != Composing {
		return ErrAlreadyCommitted
	}
	defer func() {
		if err != nil {
			metrics.PrepareTotal.WithLabelValues(metrics.Fail).Inc()
		} else {
			metrics.PrepareTotal.WithLabelValues(metrics.Ok).Inc()
		}
	}()

	var script = make([]Operation, 0, len(j.composed)+1)
	var message = &MessageOp{Messages: j.pending}
	if j.prior != nil {
		message.Prior = j.prior.Name()
	}
	if message.Messages == nil {
		message.Messages = [][]byte{}
	}
	script = append(script, Operation{Message: message})

	// Validate the complete script before anything is written.
	var model = newTree(j.fs, j.guard, j.commits.hash)
	var writes = make(map[int]*WriteOp)

	for _, op := range j.composed {
		var step Operation
		if step, err = j.validate(model, op, len(script)); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) && ve.Op == "" {
				ve.Op = op.Kind()
			}
			return err
		}
		if op.Write != nil {
			writes[len(script)] = op.Write
		}
		script = append(script, step)
	}

	if err = j.stage(writes); err != nil {
		return err
	}
	if j.commit, err = j.commits.writePending(script); err != nil {
		return err
	}
	j.script, j.state = script, Committing
	j.composed, j.pending = nil, nil

	log.WithFields(log.Fields{
		"directory": j.Directory,
		"commit":    j.commit.Name(),
		"steps":     len(script),
	}).Debug("prepared commit")

	return nil
}

// validate |op| against |model|, returning the script step which applies it.
func (j *Journal) validate(model *tree, op Operation, index int) (Operation, error) {
	switch {
	case op.Unlink != nil:
		var _, err = model.rm(op.Unlink.Path, fileKind)
		return op, err
	case op.Rmdir != nil:
		var _, err = model.rm(op.Rmdir.Path, dirKind)
		return op, err
	case op.Mkdir != nil:
		return op, model.mk(op.Mkdir.Path, &node{exists: true, dir: true}, false)
	case op.Rename != nil:
		var n, err = model.rename(op.Rename.From, op.Rename.To)
		if err != nil {
			return Operation{}, err
		}
		var step = &RenameOp{From: op.Rename.From, To: op.Rename.To, Dir: n.dir}
		if !n.dir {
			step.Sum = *n.sum
		}
		return Operation{Rename: step}, nil
	case op.Write != nil:
		var sum = j.commits.hash(op.Write.Content)
		var n = &node{exists: true, sum: &sum}

		if err := model.mk(op.Write.Path, n, op.Write.Overwrite); err != nil {
			return Operation{}, err
		}
		return Operation{Rename: &RenameOp{
			From: j.stagingPath(index),
			To:   op.Write.Path,
			Sum:  sum,
		}}, nil
	default:
		return Operation{}, op.validate()
	}
}

// stage durably writes the content of |writes| into the staging directory,
// which is first cleared of any content staged by an abandoned Prepare.
func (j *Journal) stage(writes map[int]*WriteOp) error {
	var dir = filepath.Join(j.commits.dir, "staging")

	if err := j.commits.clearAbandoned(); err != nil {
		return err
	} else if err = j.fs.RemoveAll(dir); err != nil {
		return extendErr(err, "clearing %s", dir)
	} else if len(writes) == 0 {
		return nil
	} else if err = j.fs.MkdirAll(dir, 0777); err != nil {
		return extendErr(err, "creating %s", dir)
	}

	for index, w := range writes {
		var abs, err = j.guard.resolve(j.stagingPath(index))
		if err != nil {
			return err
		} else if err = writeSynced(j.fs, abs, w.Content, w.Mode, true); err != nil {
			return err
		}
		metrics.StagedBytesTotal.Add(float64(len(w.Content)))
	}
	syncDir(j.fs, dir)
	return nil
}

func (j *Journal) stagingPath(index int) string {
	return path.Join(j.guard.tmp, "staging", strconv.Itoa(index))
}

// Remaining returns the steps of the commit script which have yet to be
// durably applied. It's empty unless the Journal is Committing.
func (j *Journal) Remaining() []Operation {
	if j.state != Committing {
		return nil
	}
	return j.script[j.commit.Step:]
}

// Operate applies the current step of the commit script. It doesn't advance
// the script, and may be repeated.
func (j *Journal) Operate() error {
	if j.state != Committing {
		return ErrNotCommitting
	}
	var op = j.script[j.commit.Step]

	if err := j.apply(op); err != nil {
		var ie *IntegrityError
		if errors.As(err, &ie) {
			metrics.IntegrityFaultsTotal.Inc()
		}
		return extendErr(err, "applying step %d of %s", j.commit.Step, j.commit.Name())
	}
	metrics.ReplayedStepsTotal.WithLabelValues(op.Kind()).Inc()

	log.WithFields(log.Fields{
		"commit": j.commit.Name(),
		"step":   j.commit.Step,
		"op":     op.String(),
	}).Debug("applied step")

	return nil
}

// Advance durably records the application of the current step. Upon
// advancing past the final step, the commit is complete and the Journal
// returns to Composing.
func (j *Journal) Advance() error {
	if j.state != Committing {
		return ErrNotCommitting
	}
	var next, err = j.commits.advance(j.commit, j.commit.Step+1 == len(j.script))
	if err != nil {
		return err
	}
	j.commit = next

	if !next.Complete {
		return nil
	}
	metrics.CommitTotal.Inc()

	log.WithFields(log.Fields{
		"directory": j.Directory,
		"commit":    next.Name(),
		"steps":     len(j.script),
	}).Info("completed commit")

	j.prior, j.state = &next, Composing
	j.commit, j.script = commitFile{}, nil
	return nil
}

// Commit applies and advances through every remaining step of the commit
// script. It may be retried after a failure, which resumes with the step
// that failed.
func (j *Journal) Commit() error {
	if j.state != Committing {
		return ErrNotCommitting
	}
	for j.state == Committing {
		if err := j.Operate(); err != nil {
			return err
		} else if err = j.Advance(); err != nil {
			return err
		}
	}
	return nil
}

// Dispose removes the tmp directory and the completion record of the last
// transaction. It fails if a commit is in progress.
func (j *Journal) Dispose() error {
	if j.state != Composing {
		return ErrCommitInProgress
	}
	if err := j.fs.RemoveAll(j.commits.dir); err != nil {
		return extendErr(err, "removing %s", j.commits.dir)
	}
	j.prior, j.messages = nil, nil
	return nil
}

// Messages of the most recently applied transaction.
func (j *Journal) Messages() [][]byte { return j.messages }

// State of the Journal.
func (j *Journal) State() State { return j.state }

// Status summarizes the Journal.
type Status struct {
	State State
	// Commit file of the transaction being replayed, if Committing.
	Commit string
	// Complete commit file of the preceding transaction, if present.
	Prior string
	// Step of the Commit to be applied next.
	Step int
	// Remaining steps of the Commit.
	Remaining []Operation
	// Messages of the most recently applied transaction.
	Messages [][]byte
	// Number of composed operations, if Composing.
	Composed int
}

// Status returns the current Status of the Journal.
func (j *Journal) Status() Status {
	var s = Status{
		State:     j.state,
		Step:      j.commit.Step,
		Remaining: j.Remaining(),
		Messages:  j.messages,
		Composed:  len(j.composed),
	}
	if j.state == Committing {
		s.Commit = j.commit.Name()
	}
	if j.prior != nil {
		s.Prior = j.prior.Name()
	}
	return s
}
