// Package fsjournalcmd implements sub-commands of the fsjournal tool.
package fsjournalcmd

import (
	"io"
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/fsjournal/framing"
	"go.gazette.dev/fsjournal/journal"
	mbp "go.gazette.dev/fsjournal/mainboilerplate"
)

const iniFilename = "fsjournal.ini"

// JournalConfig configures the Journal of a governed directory.
type JournalConfig struct {
	Dir  string `long:"dir" env:"DIR" description:"Absolute path of the governed directory"`
	Tmp  string `long:"tmp" env:"TMP" default:"commit" description:"Tmp directory of the journal, relative to --dir"`
	Hash string `long:"hash" env:"HASH" default:"xxhash" choice:"xxhash" choice:"crc32c" choice:"blake3" description:"Checksum of commit files and renamed content. Must not change while a commit is pending"`
}

var (
	baseCfg = new(struct {
		Journal JournalConfig `group:"Journal" env-namespace:"FSJOURNAL"`
		Log     mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
	})
	// CommandRegistry of fsjournal sub-commands.
	CommandRegistry = mbp.NewCommandRegistry()

	// Output of commands.
	stdout io.Writer = os.Stdout
)

func startup() {
	mbp.InitLog(baseCfg.Log)
}

// Open the Journal described by the JournalConfig.
func (cfg JournalConfig) Open() (*journal.Journal, error) {
	var hash, err = framing.LookupHash(cfg.Hash)
	if err != nil {
		return nil, err
	}
	return journal.Open(cfg.Dir, journal.Config{Tmp: cfg.Tmp, Hash: hash})
}

// finish replays the pending commit of |j|, if there is one.
func finish(j *journal.Journal) error {
	if j.State() != journal.Committing {
		return nil
	}
	var status = j.Status()

	log.WithFields(log.Fields{
		"commit":    status.Commit,
		"step":      status.Step,
		"remaining": len(status.Remaining),
	}).Info("finishing pending commit")

	return j.Commit()
}

// Execute the fsjournal tool.
func Execute() {
	var parser = flags.NewParser(baseCfg, flags.Default)

	mbp.AddPrintConfigCmd(parser, iniFilename)
	parser.LongDescription = `fsjournal applies atomic, crash-resumable transactions of filesystem
	operations to a governed directory.

	See --help pages of each sub-command for documentation and usage examples.
	Optionally configure fsjournal with a '` + iniFilename + `' file in the current working directory,
	or with '~/.config/fsjournal/` + iniFilename + `'. Use the 'print-config' sub-command to inspect
	the tool's current configuration.
	`
	mbp.Must(CommandRegistry.AddCommands("", parser.Command), "could not add subcommand")
	mbp.MustParseConfig(parser, iniFilename)
}
