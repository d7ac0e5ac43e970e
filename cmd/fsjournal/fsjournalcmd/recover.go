package fsjournalcmd

import (
	log "github.com/sirupsen/logrus"
)

type cmdRecover struct {
	Dispose bool `long:"dispose" description:"Remove the journal's tmp directory after recovery"`
}

func init() {
	CommandRegistry.AddCommand("", "recover", "Finish a pending transaction", `
Recover the governed directory by finishing a transaction left pending by an
interrupted process, if there is one. Recovery is a no-op if no transaction
is pending.

With --dispose, the journal's tmp directory is then removed. This discards
the messages of the last transaction.
`, &cmdRecover{})
}

func (cmd *cmdRecover) Execute([]string) error {
	startup()

	var j, err = baseCfg.Journal.Open()
	if err != nil {
		return err
	} else if err = finish(j); err != nil {
		return err
	}

	if cmd.Dispose {
		if err = j.Dispose(); err != nil {
			return err
		}
		log.WithField("directory", j.Directory).Info("disposed journal")
	} else {
		log.WithField("directory", j.Directory).Info("journal is recovered")
	}
	return nil
}
