package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/fsjournal/framing"
	"go.gazette.dev/fsjournal/metrics"
)

func TestOpenValidatesConfiguration(t *testing.T) {
	var dir = t.TempDir()

	var _, err = Open("relative/dir", Config{})
	require.True(t, errors.Is(err, ErrDirectoryPathNotAbsolute))

	for _, tmp := range []string{"..", "../sibling", ".", filepath.Dir(dir)} {
		_, err = Open(dir, Config{Tmp: tmp})
		require.True(t, errors.Is(err, ErrTmpNotInDirectory), tmp)
	}

	// Case: an absolute tmp within the directory is permitted.
	j, err := Open(dir, Config{Tmp: filepath.Join(dir, "var", "journal")})
	require.NoError(t, err)
	require.Equal(t, "var/journal", j.guard.tmp)
	require.Equal(t, Composing, j.State())
	require.Empty(t, j.Messages())

	// Case: the directory is created if it doesn't exist.
	j, err = Open(filepath.Join(dir, "created"), Config{})
	require.NoError(t, err)
	require.DirExists(t, j.Directory)
}

func TestRotationScenario(t *testing.T) {
	var dir = t.TempDir()
	writeFixture(t, dir, map[string]interface{}{
		"log": map[string]interface{}{"active": "entry", "next": ""},
	})
	var commits = testutil.ToFloat64(metrics.CommitTotal)

	var j, err = Open(dir, Config{})
	require.NoError(t, err)

	composeRotation(t, j)
	require.NoError(t, j.Prepare())
	require.Equal(t, Committing, j.State())

	// Nothing has changed yet.
	require.Equal(t, map[string]interface{}{
		"log": map[string]interface{}{"active": "entry", "next": ""},
	}, readFixture(t, dir))

	require.NoError(t, j.Commit())
	require.Equal(t, Composing, j.State())

	require.Equal(t, map[string]interface{}{
		"log": map[string]interface{}{"active": "", "previous": "entry"},
	}, readFixture(t, dir))
	require.Equal(t, [][]byte{[]byte("rotate")}, j.Messages())
	require.Equal(t, commits+1, testutil.ToFloat64(metrics.CommitTotal))

	// A re-opened Journal recovers the messages of the complete commit.
	j, err = Open(dir, Config{})
	require.NoError(t, err)
	require.Equal(t, Composing, j.State())
	require.Equal(t, [][]byte{[]byte("rotate")}, j.Messages())
}

func TestResumeFromEveryStep(t *testing.T) {
	var expect = map[string]interface{}{
		"log": map[string]interface{}{"active": "", "previous": "entry"},
		"archive": map[string]interface{}{
			"index": "rotated once",
		},
	}
	// Steps are: message, rename, rename, mkdir, write.
	const steps = 5

	for crashAt := 0; crashAt <= steps; crashAt++ {
		for _, reapply := range []bool{false, true} {
			var dir = t.TempDir()
			writeFixture(t, dir, map[string]interface{}{
				"log": map[string]interface{}{"active": "entry", "next": ""},
			})

			var j, err = Open(dir, Config{})
			require.NoError(t, err)
			composeRotation(t, j)
			require.NoError(t, j.Mkdir("archive", 0))
			require.NoError(t, j.WriteFile("archive/index", []byte("rotated once"), WriteOptions{}))
			require.NoError(t, j.Prepare())
			require.Len(t, j.Remaining(), steps)

			for i := 0; i != crashAt; i++ {
				require.NoError(t, j.Operate())
				require.NoError(t, j.Advance())
			}
			if reapply && crashAt != steps {
				// The process fails after applying a step, but before advancing.
				require.NoError(t, j.Operate())
			}

			// The process restarts, and resumes the commit.
			j, err = Open(dir, Config{})
			require.NoError(t, err)

			if crashAt == steps {
				require.Equal(t, Composing, j.State())
			} else {
				require.Equal(t, Committing, j.State())
				require.Len(t, j.Remaining(), steps-crashAt)
				require.NoError(t, j.Commit())
			}
			require.Equal(t, expect, readFixture(t, dir), "crashAt %d reapply %t", crashAt, reapply)
			require.Equal(t, [][]byte{[]byte("rotate")}, j.Messages())
		}
	}
}

func TestRepeatedApplicationIsIdempotent(t *testing.T) {
	var dir = t.TempDir()
	writeFixture(t, dir, map[string]interface{}{
		"file":  "content",
		"empty": map[string]interface{}{},
		"from":  "moved content",
		"tree":  map[string]interface{}{"leaf": "leaf content"},
	})

	var j, err = Open(dir, Config{})
	require.NoError(t, err)

	require.NoError(t, j.Unlink("file"))
	require.NoError(t, j.Rmdir("empty"))
	require.NoError(t, j.Rename("from", "to"))
	require.NoError(t, j.Rename("tree", "forest"))
	require.NoError(t, j.Mkdir("new", 0))
	require.NoError(t, j.Prepare())

	for j.State() == Committing {
		require.NoError(t, j.Operate())
		require.NoError(t, j.Operate())
		require.NoError(t, j.Advance())
	}
	require.Equal(t, map[string]interface{}{
		"to":     "moved content",
		"forest": map[string]interface{}{"leaf": "leaf content"},
		"new":    map[string]interface{}{},
	}, readFixture(t, dir))
}

func TestTornWriteIsDetected(t *testing.T) {
	var dir = t.TempDir()
	writeFixture(t, dir, map[string]interface{}{"source": "original"})
	var faults = testutil.ToFloat64(metrics.IntegrityFaultsTotal)

	var j, err = Open(dir, Config{})
	require.NoError(t, err)
	require.NoError(t, j.Rename("source", "target"))
	require.NoError(t, j.Prepare())

	// The source is mutated after it was checksummed.
	writeFixture(t, dir, map[string]interface{}{"source": "mutated"})

	err = j.Commit()
	require.True(t, errors.Is(err, ErrRenameBadHash))

	var ie *IntegrityError
	require.True(t, errors.As(err, &ie))
	require.Equal(t, "rename", ie.Op)
	require.Equal(t, "source", ie.Path)
	require.NotEqual(t, ie.Expected, ie.Actual)

	// The target was never moved, and the fault is not retried away.
	require.Equal(t, map[string]interface{}{"source": "mutated"}, readFixture(t, dir))
	require.Equal(t, Committing, j.State())
	require.True(t, errors.Is(j.Commit(), ErrRenameBadHash))
	require.Equal(t, faults+2, testutil.ToFloat64(metrics.IntegrityFaultsTotal))

	// Case: staged content is verified in the same way.
	dir = t.TempDir()
	j, err = Open(dir, Config{})
	require.NoError(t, err)
	require.NoError(t, j.WriteFile("written", []byte("staged"), WriteOptions{}))
	require.NoError(t, j.Prepare())

	var staged = filepath.Join(dir, DefaultTmp, "staging", "1")
	require.NoError(t, afero.WriteFile(afero.NewOsFs(), staged, []byte("torn"), 0666))
	require.True(t, errors.Is(j.Commit(), ErrRenameBadHash))
	require.NoFileExists(t, filepath.Join(dir, "written"))
}

func TestRenamedDirectoryKindIsVerified(t *testing.T) {
	var dir = t.TempDir()
	writeFixture(t, dir, map[string]interface{}{"a": map[string]interface{}{}})

	var j, err = Open(dir, Config{})
	require.NoError(t, err)
	require.NoError(t, j.Rename("a", "b"))
	require.NoError(t, j.Prepare())

	// Replace directory "a" with a file.
	require.NoError(t, os.Remove(filepath.Join(dir, "a")))
	writeFixture(t, dir, map[string]interface{}{"a": "file"})
	require.True(t, errors.Is(j.Commit(), ErrRenameNotDirectory))

	// Remove "a" entirely. As the source doesn't exist, the step is presumed
	// to have been applied, but its target doesn't exist either.
	require.NoError(t, os.Remove(filepath.Join(dir, "a")))
	require.True(t, errors.Is(j.Commit(), ErrRenameNonExtant))
}

func TestValidationFaults(t *testing.T) {
	var dir = t.TempDir()
	writeFixture(t, dir, map[string]interface{}{"file": "content"})

	var j, err = Open(dir, Config{})
	require.NoError(t, err)

	var expectFault = func(op string, expect error) {
		var err = j.Prepare()
		require.True(t, errors.Is(err, expect), "%v", err)

		var ve *ValidationError
		require.True(t, errors.As(err, &ve))
		require.Equal(t, op, ve.Op)

		require.Equal(t, Composing, j.State())
		require.NoError(t, j.Reset())
	}

	require.NoError(t, j.Mkdir("a/b", 0))
	expectFault("mkdir", ErrPathDoesNotExist)

	require.NoError(t, j.Mkdir("x", 0))
	require.NoError(t, j.Mkdir("x", 0))
	expectFault("mkdir", ErrAlreadyExists)

	require.NoError(t, j.WriteFile("written", []byte("content"), WriteOptions{}))
	require.NoError(t, j.Rmdir("written"))
	expectFault("rmdir", ErrNotADirectory)

	require.NoError(t, j.Rename("missing", "elsewhere"))
	expectFault("rename", ErrFileDoesNotExist)

	require.NoError(t, j.WriteFile("file", []byte("content"), WriteOptions{}))
	expectFault("write", ErrAlreadyExists)

	// Nothing was written.
	require.Equal(t, map[string]interface{}{"file": "content"}, readFixture(t, dir))
	require.NoDirExists(t, filepath.Join(dir, DefaultTmp))

	// Case: path faults are reported as operations are composed.
	require.True(t, errors.Is(j.Unlink("/abs"), ErrNotRelative))
	require.True(t, errors.Is(j.Rename("file", "../escaped"), ErrEscapes))
	require.True(t, errors.Is(j.Mkdir(DefaultTmp+"/sub", 0), ErrReservedPath))
	require.Equal(t, 0, j.Status().Composed)
}

func TestStateMachineUsageFaults(t *testing.T) {
	var dir = t.TempDir()
	var j, err = Open(dir, Config{})
	require.NoError(t, err)

	require.True(t, errors.Is(j.Operate(), ErrNotCommitting))
	require.True(t, errors.Is(j.Advance(), ErrNotCommitting))
	require.True(t, errors.Is(j.Commit(), ErrNotCommitting))

	require.NoError(t, j.Message([]byte("hello")))
	require.NoError(t, j.Prepare())

	require.True(t, errors.Is(j.Message(nil), ErrAlreadyCommitted))
	require.True(t, errors.Is(j.Unlink("a"), ErrAlreadyCommitted))
	require.True(t, errors.Is(j.Rmdir("a"), ErrAlreadyCommitted))
	require.True(t, errors.Is(j.Mkdir("a", 0), ErrAlreadyCommitted))
	require.True(t, errors.Is(j.Rename("a", "b"), ErrAlreadyCommitted))
	require.True(t, errors.Is(j.WriteFile("a", nil, WriteOptions{}), ErrAlreadyCommitted))
	require.True(t, errors.Is(j.Reset(), ErrAlreadyCommitted))
	require.True(t, errors.Is(j.Prepare(), ErrAlreadyCommitted))
	require.True(t, errors.Is(j.Dispose(), ErrCommitInProgress))

	require.NoError(t, j.Commit())
	require.Equal(t, [][]byte{[]byte("hello")}, j.Messages())
}

func TestWriteFileModesAndOverwrites(t *testing.T) {
	var dir = t.TempDir()
	writeFixture(t, dir, map[string]interface{}{
		"existing": "old",
		"dir":      map[string]interface{}{},
	})
	var staged = testutil.ToFloat64(metrics.StagedBytesTotal)

	var j, err = Open(dir, Config{})
	require.NoError(t, err)

	require.NoError(t, j.WriteFile("existing", []byte("new"), WriteOptions{Overwrite: true}))
	require.NoError(t, j.WriteFile("dir/private", []byte("secret"), WriteOptions{Mode: 0600}))
	require.NoError(t, j.Mkdir("dir/sub", 0700))
	require.NoError(t, j.Prepare())
	require.NoError(t, j.Commit())

	require.Equal(t, map[string]interface{}{
		"existing": "new",
		"dir": map[string]interface{}{
			"private": "secret",
			"sub":     map[string]interface{}{},
		},
	}, readFixture(t, dir))
	require.Equal(t, staged+9, testutil.ToFloat64(metrics.StagedBytesTotal))

	info, err := os.Stat(filepath.Join(dir, "dir", "private"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
	info, err = os.Stat(filepath.Join(dir, "dir", "sub"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0700), info.Mode().Perm())

	// Case: a directory cannot be overwritten.
	require.NoError(t, j.WriteFile("dir", []byte("content"), WriteOptions{Overwrite: true}))
	require.True(t, errors.Is(j.Prepare(), ErrIsADirectory))
}

func TestReuseAfterCompletion(t *testing.T) {
	var dir = t.TempDir()
	var j, err = Open(dir, Config{})
	require.NoError(t, err)

	require.NoError(t, j.Message([]byte("first")))
	require.NoError(t, j.Mkdir("a", 0))
	require.NoError(t, j.Prepare())
	require.NoError(t, j.Commit())

	var first = j.Status().Prior
	require.NotEmpty(t, first)
	require.Equal(t, []string{first}, commitNames(t, dir))

	require.NoError(t, j.Message([]byte("second")))
	require.NoError(t, j.Message([]byte("and third")))
	require.NoError(t, j.Rmdir("a"))
	require.NoError(t, j.Prepare())

	// Both the new pending commit and the prior complete commit exist.
	var status = j.Status()
	require.Equal(t, first, status.Prior)
	require.Equal(t, 0, status.Step)
	require.Len(t, commitNames(t, dir), 2)

	// Case: a process restart before the first step recovers messages of the
	// complete commit, and the pending commit.
	j, err = Open(dir, Config{})
	require.NoError(t, err)
	require.Equal(t, Committing, j.State())
	require.Equal(t, [][]byte{[]byte("first")}, j.Messages())
	require.Equal(t, first, j.Status().Prior)

	require.NoError(t, j.Commit())
	require.Equal(t, [][]byte{[]byte("second"), []byte("and third")}, j.Messages())

	// The prior complete commit was removed by the first step.
	var names = commitNames(t, dir)
	require.Len(t, names, 1)
	require.NotEqual(t, first, names[0])
	require.Equal(t, names[0], j.Status().Prior)
	require.Equal(t, map[string]interface{}{}, readFixture(t, dir))
}

func TestDispose(t *testing.T) {
	var dir = t.TempDir()
	var j, err = Open(dir, Config{})
	require.NoError(t, err)

	require.NoError(t, j.Message([]byte("hello")))
	require.NoError(t, j.WriteFile("file", []byte("content"), WriteOptions{}))
	require.NoError(t, j.Prepare())
	require.True(t, errors.Is(j.Dispose(), ErrCommitInProgress))
	require.NoError(t, j.Commit())

	require.DirExists(t, filepath.Join(dir, DefaultTmp))
	require.NoError(t, j.Dispose())
	require.NoDirExists(t, filepath.Join(dir, DefaultTmp))
	require.Empty(t, j.Messages())
	require.Empty(t, j.Status().Prior)

	// A disposed directory has no recovered messages.
	j, err = Open(dir, Config{})
	require.NoError(t, err)
	require.Empty(t, j.Messages())
	require.Equal(t, map[string]interface{}{"file": "content"}, readFixture(t, dir))
}

func TestRecoveryIntegrityFaults(t *testing.T) {
	var dir = t.TempDir()
	var recovered = testutil.ToFloat64(metrics.RecoveredCommitsTotal)

	var j, err = Open(dir, Config{})
	require.NoError(t, err)
	require.NoError(t, j.Mkdir("a", 0))
	require.NoError(t, j.Prepare())

	var names = commitNames(t, dir)
	require.Len(t, names, 1)
	var tmp = filepath.Join(dir, DefaultTmp)
	var f, _ = parseCommitFile(names[0])

	// Case: a pending commit is recovered.
	_, err = Open(dir, Config{})
	require.NoError(t, err)
	require.Equal(t, recovered+1, testutil.ToFloat64(metrics.RecoveredCommitsTotal))

	// Case: a pending commit recovered with a different hash fails to verify.
	var crc, _ = framing.LookupHash("crc32c")
	_, err = Open(dir, Config{Hash: crc})
	require.True(t, errors.Is(err, framing.ErrChecksumMismatch))

	// Case: two pending files of the same commit overlap.
	content, err := os.ReadFile(filepath.Join(tmp, names[0]))
	require.NoError(t, err)
	f.Step = 1
	require.NoError(t, os.WriteFile(filepath.Join(tmp, f.Name()), content, 0666))

	_, err = Open(dir, Config{})
	require.True(t, errors.Is(err, ErrOverlappingCommits))
	require.NoError(t, os.Remove(filepath.Join(tmp, f.Name())))

	// Case: a flipped byte of the commit file is detected.
	content[len(content)-3] ^= 0x80
	require.NoError(t, os.WriteFile(filepath.Join(tmp, names[0]), content, 0666))

	_, err = Open(dir, Config{})
	require.True(t, errors.Is(err, framing.ErrChecksumMismatch))
}

func TestFailedPrepareLeavesDirectoryUnchanged(t *testing.T) {
	var fixture = map[string]interface{}{
		"log": map[string]interface{}{"active": "entry", "next": ""},
	}
	var fails = testutil.ToFloat64(metrics.PrepareTotal.WithLabelValues(metrics.Fail))

	for _, tc := range []struct {
		name string
		fs   faultyFs
	}{
		{"pending rename", faultyFs{Fs: afero.NewOsFs(), renameSuffix: ".pending"}},
		{"staged write", faultyFs{Fs: afero.NewOsFs(), openSuffix: "staging/4"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var dir = t.TempDir()
			writeFixture(t, dir, fixture)

			var j, err = Open(dir, Config{Fs: tc.fs})
			require.NoError(t, err)

			composeRotation(t, j)
			require.NoError(t, j.WriteFile("log/first", []byte("one"), WriteOptions{}))
			require.NoError(t, j.WriteFile("log/second", []byte("two"), WriteOptions{}))
			require.True(t, errors.Is(j.Prepare(), errInjected))

			require.Equal(t, Composing, j.State())
			require.Equal(t, 4, j.Status().Composed)
			require.Equal(t, fixture, readFixture(t, dir))
			require.Empty(t, commitNames(t, dir))

			// A later process finds no pending commit, and may commit anew.
			j, err = Open(dir, Config{})
			require.NoError(t, err)
			require.Equal(t, Composing, j.State())
			require.Empty(t, j.Messages())

			composeRotation(t, j)
			require.NoError(t, j.Prepare())
			require.NoError(t, j.Commit())
			require.Equal(t, map[string]interface{}{
				"log": map[string]interface{}{"active": "", "previous": "entry"},
			}, readFixture(t, dir))
		})
	}
	require.Equal(t, fails+2, testutil.ToFloat64(metrics.PrepareTotal.WithLabelValues(metrics.Fail)))
}

func TestAbandonedWritesAreCleared(t *testing.T) {
	var dir = t.TempDir()
	var tmp = filepath.Join(dir, DefaultTmp)

	var j, err = Open(dir, Config{})
	require.NoError(t, err)

	// Remnants of a process which failed while preparing.
	require.NoError(t, os.MkdirAll(filepath.Join(tmp, "staging"), 0777))
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "write.6ba7b810-9dad-11d1-80b4-00c04fd430c8"), []byte("torn"), 0666))
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "staging", "7"), []byte("torn"), 0666))

	require.NoError(t, j.Mkdir("a", 0))
	require.NoError(t, j.Prepare())

	var entries, _ = os.ReadDir(tmp)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Equal(t, commitNames(t, dir), names)
	require.NoError(t, j.Commit())
}

func TestEmptyMessagesAreRecovered(t *testing.T) {
	var dir = t.TempDir()
	var j, err = Open(dir, Config{})
	require.NoError(t, err)

	require.NoError(t, j.Message([]byte{}))
	require.NoError(t, j.Message(nil))
	require.NoError(t, j.Message([]byte("last")))
	require.NoError(t, j.Prepare())
	require.NoError(t, j.Commit())

	var expect = [][]byte{{}, {}, []byte("last")}
	require.Equal(t, expect, j.Messages())

	j, err = Open(dir, Config{})
	require.NoError(t, err)
	require.Equal(t, expect, j.Messages())
}

func TestWriteHashedFile(t *testing.T) {
	var dir = t.TempDir()
	var j, err = Open(dir, Config{})
	require.NoError(t, err)

	var hash, _ = framing.LookupHash(framing.DefaultHash)
	var content = []byte("hello, world")
	var format = func(sum string) string { return "blobs/" + sum + ".dat" }

	require.NoError(t, j.Mkdir("blobs", 0))
	p, err := j.WriteHashedFile(format, content, WriteOptions{})
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("blobs/%016x.dat", hash(content)), p)

	// Case: identical content formats to the same, existing path.
	_, err = j.WriteHashedFile(format, content, WriteOptions{})
	require.NoError(t, err)
	require.True(t, errors.Is(j.Prepare(), ErrAlreadyExists))

	require.NoError(t, j.Reset())
	require.NoError(t, j.Mkdir("blobs", 0))
	_, err = j.WriteHashedFile(format, content, WriteOptions{})
	require.NoError(t, err)
	require.NoError(t, j.Prepare())
	require.NoError(t, j.Commit())

	b, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(p)))
	require.NoError(t, err)
	require.Equal(t, content, b)
}

// faultyFs fails renames to, or opened files of, paths having a suffix.
type faultyFs struct {
	afero.Fs
	renameSuffix string
	openSuffix   string
}

var errInjected = errors.New("injected fault")

func (fs faultyFs) Rename(from, to string) error {
	if fs.renameSuffix != "" && strings.HasSuffix(to, fs.renameSuffix) {
		return &os.LinkError{Op: "rename", Old: from, New: to, Err: errInjected}
	}
	return fs.Fs.Rename(from, to)
}

func (fs faultyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if fs.openSuffix != "" && strings.HasSuffix(filepath.ToSlash(name), fs.openSuffix) {
		return nil, &os.PathError{Op: "open", Path: name, Err: errInjected}
	}
	return fs.Fs.OpenFile(name, flag, perm)
}

func composeRotation(t *testing.T, j *Journal) {
	require.NoError(t, j.Rename("log/active", "log/previous"))
	require.NoError(t, j.Rename("log/next", "log/active"))
	require.NoError(t, j.Message([]byte("rotate")))
}

func commitNames(t *testing.T, dir string) []string {
	var infos, err = os.ReadDir(filepath.Join(dir, DefaultTmp))
	require.NoError(t, err)

	var names []string
	for _, info := range infos {
		if _, ok := parseCommitFile(info.Name()); ok {
			names = append(names, info.Name())
		}
	}
	sort.Strings(names)
	return names
}

// writeFixture writes |fixture| into |dir|. Strings are file content, and
// maps are directories.
func writeFixture(t *testing.T, dir string, fixture map[string]interface{}) {
	for name, v := range fixture {
		var p = filepath.Join(dir, name)

		switch vv := v.(type) {
		case string:
			require.NoError(t, os.WriteFile(p, []byte(vv), 0666))
		case map[string]interface{}:
			require.NoError(t, os.MkdirAll(p, 0777))
			writeFixture(t, p, vv)
		default:
			t.Fatalf("unexpected fixture %#v", v)
		}
	}
}

// readFixture reads |dir| into a fixture, excluding the tmp directory.
func readFixture(t *testing.T, dir string) map[string]interface{} {
	var out = make(map[string]interface{})

	var entries, err = os.ReadDir(dir)
	require.NoError(t, err)

	for _, e := range entries {
		var p = filepath.Join(dir, e.Name())

		if e.Name() == DefaultTmp {
			continue
		} else if e.IsDir() {
			out[e.Name()] = readFixture(t, p)
		} else {
			var b, err = os.ReadFile(p)
			require.NoError(t, err)
			out[e.Name()] = string(b)
		}
	}
	return out
}
