package journal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	journalWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicecache_journal_records_written_total",
		Help: "Operation records successfully flushed to the journal writer.",
	})

	journalDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicecache_journal_records_dropped_total",
		Help: "Operation records dropped because the journal buffer was full.",
	})

	journalFlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicecache_journal_flush_failures_total",
		Help: "Batches the journal writer failed to persist.",
	})
)
