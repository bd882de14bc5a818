package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	VictimSelections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segclean_victim_selections_total",
			Help: "Victim selection calls by gc type, alloc mode and result",
		},
		[]string{"gc_type", "alloc_mode", "result"}, // found, none
	)

	VictimCandidates = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "segclean_victim_candidates_scored",
			Help:    "Candidates scored per victim selection",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"alloc_mode"},
	)

	VictimCost = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "segclean_victim_cost",
			Help:    "Cost of the chosen victim; cost-benefit costs are reported as distance below the maximum",
			Buckets: prometheus.ExponentialBuckets(1, 2, 17),
		},
		[]string{"gc_mode"},
	)

	VictimCursor = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "segclean_victim_cursor",
			Help: "Segment the next scan resumes from, per gc mode",
		},
		[]string{"gc_mode"},
	)

	SearchWraps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segclean_victim_search_wraps_total",
		Help: "Scans that ran off the end of the dirty segmap and restarted from segment 0",
	})

	SearchBudgetExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segclean_victim_search_budget_exhausted_total",
		Help: "Scans stopped by the search limit",
	})

	GcPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segclean_gc_passes_total",
			Help: "GC passes by gc type and result",
		},
		[]string{"gc_type", "result"}, // ok, no_victim, error
	)

	GcPassLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "segclean_gc_pass_seconds",
		Help:    "Duration of GC passes that reclaimed a section",
		Buckets: prometheus.DefBuckets,
	})

	MigratedBlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segclean_migrated_blocks_total",
		Help: "Live blocks moved out of victim sections",
	})

	FreeSections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "segclean_free_sections",
		Help: "Sections available for new log heads",
	})

	DirtySegments = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "segclean_dirty_segments",
			Help: "Segments per dirty segmap",
		},
		[]string{"dirty_type"},
	)
)
