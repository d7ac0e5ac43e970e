package fsjournalcmd

import (
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type cmdApply struct {
	Script string `long:"script" default:"-" description:"Path of the YAML script to apply. Use '-' for stdin"`
}

func init() {
	CommandRegistry.AddCommand("", "apply", "Apply a script of operations as one transaction", `
Apply a YAML script of filesystem operations to the governed directory, as a
single transaction. Either every operation takes effect, or none do. If the
process is interrupted, the transaction is finished by the next "apply" or
"recover" of the directory.

A commit left pending by a previous process is finished before the script
is applied. Scripts are lists of operations, like:

- op: rename
  from: log/active
  to: log/previous
- op: write
  path: log/active
  content: ""
  mode: 0644
- op: mkdir
  path: archive
- op: message
  message: rotated
`, &cmdApply{})
}

func (cmd *cmdApply) Execute([]string) error {
	startup()

	var b []byte
	var err error

	if cmd.Script == "-" {
		b, err = io.ReadAll(os.Stdin)
	} else {
		b, err = os.ReadFile(cmd.Script)
	}
	if err != nil {
		return errors.WithMessage(err, "reading script")
	}
	ops, err := ParseScript(b)
	if err != nil {
		return errors.WithMessage(err, "parsing script")
	}

	j, err := baseCfg.Journal.Open()
	if err != nil {
		return err
	} else if err = finish(j); err != nil {
		return err
	}

	for _, op := range ops {
		if err = op.Compose(j); err != nil {
			return err
		}
	}
	if err = j.Prepare(); err != nil {
		return err
	} else if err = j.Commit(); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"directory":  j.Directory,
		"operations": len(ops),
		"commit":     j.Status().Prior,
	}).Info("applied script")

	return nil
}
