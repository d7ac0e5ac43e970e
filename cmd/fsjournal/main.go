package main

import "go.gazette.dev/fsjournal/cmd/fsjournal/fsjournalcmd"

func main() { fsjournalcmd.Execute() }
