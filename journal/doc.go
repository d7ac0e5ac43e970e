// Package journal implements crash-resumable transactions over a local
// directory, leveraging the atomicity of rename and unlink on POSIX
// filesystems.
//
// A Journal is opened over a governed directory. While COMPOSING, callers
// stage a script of operations (Mkdir, Rmdir, Unlink, Rename, WriteFile and
// Message). Prepare validates the script against a virtual model of the
// directory, and then durably writes it as a checksummed commit file within
// the Journal's temporary subdirectory. From that point on the transaction
// will complete, even if the process crashes (including crashes caused by a
// full disk): Commit replays the script one step at a time, and renames the
// commit file after each step to record its progress. A re-opened Journal
// resumes from the first un-recorded step. Every step is either idempotent
// or fails with an integrity fault, so a step may be safely re-executed.
//
// Journal is not a general purpose filesystem library. It operates only
// within its governed directory, does not operate across mounted
// filesystems, and assumes a single actor: callers must ensure at most one
// Journal is active over a directory at a time.
package journal
