package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Keys for fsjournal metrics.
const (
	Fail = "fail"
	Ok   = "ok"
)

// Collectors for journal.Journal preparation and replay.
var (
	PrepareTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fsjournal_prepare_total",
		Help: "Cumulative number of prepared commit scripts, by status.",
	}, []string{"status"})
	CommitTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fsjournal_commit_total",
		Help: "Cumulative number of commit scripts replayed to completion.",
	})
	RecoveredCommitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fsjournal_recovered_commits_total",
		Help: "Cumulative number of pending commits found upon opening a journal.",
	})
	ReplayedStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fsjournal_replayed_steps_total",
		Help: "Cumulative number of applied commit script steps, by operation.",
	}, []string{"op"})
	IntegrityFaultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fsjournal_integrity_faults_total",
		Help: "Cumulative number of integrity faults encountered during replay.",
	})
	StagedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fsjournal_staged_bytes_total",
		Help: "Cumulative number of file content bytes staged by Prepare.",
	})
)
