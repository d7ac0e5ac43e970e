package fsjournalcmd

import (
	"os"

	"github.com/pkg/errors"
	"go.gazette.dev/fsjournal/journal"
	"gopkg.in/yaml.v2"
)

// ScriptOp is a YAML-encoded operation of an applied script.
type ScriptOp struct {
	Op        string `yaml:"op"`
	Path      string `yaml:"path,omitempty"`
	From      string `yaml:"from,omitempty"`
	To        string `yaml:"to,omitempty"`
	Mode      uint32 `yaml:"mode,omitempty"`
	Content   string `yaml:"content,omitempty"`
	Overwrite bool   `yaml:"overwrite,omitempty"`
	Message   string `yaml:"message,omitempty"`
}

// ParseScript strictly decodes a YAML list of ScriptOps.
func ParseScript(b []byte) ([]ScriptOp, error) {
	var ops []ScriptOp
	if err := yaml.UnmarshalStrict(b, &ops); err != nil {
		return nil, err
	}
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, errors.WithMessagef(err, "operation %d", i)
		}
	}
	return ops, nil
}

// Validate that the ScriptOp has the arguments its Op requires.
func (op ScriptOp) Validate() error {
	var requirePath = func() error {
		if op.Path == "" {
			return errors.Errorf("%s requires a path", op.Op)
		}
		return nil
	}

	switch op.Op {
	case "unlink", "rmdir", "mkdir", "write":
		return requirePath()
	case "rename":
		if op.From == "" || op.To == "" {
			return errors.New("rename requires from and to")
		}
		return nil
	case "message":
		return nil
	default:
		return errors.Errorf("unknown op %q (expected one of unlink, rmdir, mkdir, rename, write, message)", op.Op)
	}
}

// Compose the ScriptOp into Journal |j|.
func (op ScriptOp) Compose(j *journal.Journal) error {
	switch op.Op {
	case "unlink":
		return j.Unlink(op.Path)
	case "rmdir":
		return j.Rmdir(op.Path)
	case "mkdir":
		return j.Mkdir(op.Path, os.FileMode(op.Mode))
	case "rename":
		return j.Rename(op.From, op.To)
	case "write":
		return j.WriteFile(op.Path, []byte(op.Content), journal.WriteOptions{
			Mode:      os.FileMode(op.Mode),
			Overwrite: op.Overwrite,
		})
	case "message":
		return j.Message([]byte(op.Message))
	default:
		return op.Validate()
	}
}
