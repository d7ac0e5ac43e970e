package fsjournalcmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"go.gazette.dev/fsjournal/journal"
	"gopkg.in/yaml.v2"
)

type cmdInspect struct {
	Format string `long:"format" short:"o" choice:"table" choice:"yaml" default:"table" description:"Output format"`
}

func init() {
	CommandRegistry.AddCommand("", "inspect", "Inspect the journal of a directory", `
Inspect the journal of the governed directory without modifying it. Shown
are the journal state, the commit being replayed and the steps that remain,
and the messages of the last transaction to be applied.

Results can be output in a variety of --format options:
yaml:  Prints the journal status in YAML form
table: Prints as a table
`, &cmdInspect{})
}

// inspection is the YAML output of "inspect".
type inspection struct {
	Directory string   `yaml:"directory"`
	State     string   `yaml:"state"`
	Commit    string   `yaml:"commit,omitempty"`
	Prior     string   `yaml:"prior,omitempty"`
	Step      int      `yaml:"step"`
	Remaining []string `yaml:"remaining,omitempty"`
	Messages  []string `yaml:"messages"`
}

func (cmd *cmdInspect) Execute([]string) error {
	startup()

	var j, err = baseCfg.Journal.Open()
	if err != nil {
		return err
	}
	switch cmd.Format {
	case "yaml":
		return writeInspectionYAML(stdout, j)
	default:
		return writeInspectionTable(stdout, j)
	}
}

func newInspection(j *journal.Journal) inspection {
	var s = j.Status()
	var out = inspection{
		Directory: j.Directory,
		State:     s.State.String(),
		Commit:    s.Commit,
		Prior:     s.Prior,
		Step:      s.Step,
		Messages:  []string{},
	}
	for _, op := range s.Remaining {
		out.Remaining = append(out.Remaining, op.String())
	}
	for _, m := range s.Messages {
		out.Messages = append(out.Messages, string(m))
	}
	return out
}

func writeInspectionYAML(w io.Writer, j *journal.Journal) error {
	var b, err = yaml.Marshal(newInspection(j))
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func writeInspectionTable(w io.Writer, j *journal.Journal) error {
	var s = j.Status()
	var summary = tablewriter.NewWriter(w)
	summary.Header("Directory", "State", "Commit", "Prior", "Messages")

	var size int
	for _, m := range s.Messages {
		size += len(m)
	}
	if err := summary.Append([]string{
		j.Directory,
		s.State.String(),
		orNone(s.Commit),
		orNone(s.Prior),
		fmt.Sprintf("%d (%s)", len(s.Messages), humanize.IBytes(uint64(size))),
	}); err != nil {
		return err
	} else if err = summary.Render(); err != nil {
		return err
	}

	if len(s.Remaining) == 0 {
		return nil
	}
	var steps = tablewriter.NewWriter(w)
	steps.Header("Step", "Operation", "Size")

	for i, op := range s.Remaining {
		if err := steps.Append([]string{
			strconv.Itoa(s.Step + i),
			op.String(),
			renamedSize(j.Directory, op),
		}); err != nil {
			return err
		}
	}
	return steps.Render()
}

// renamedSize returns the human-readable size of the source of a file
// rename, or of the applied messages.
func renamedSize(dir string, op journal.Operation) string {
	switch {
	case op.Message != nil:
		var size int
		for _, m := range op.Message.Messages {
			size += len(m)
		}
		return humanize.IBytes(uint64(size))
	case op.Rename != nil && !op.Rename.Dir:
		if info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(op.Rename.From))); err == nil {
			return humanize.IBytes(uint64(info.Size()))
		}
		return "<moved>"
	default:
		return ""
	}
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}
