package metrics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/downfa11-org/segclean/pkg/types"
	"github.com/downfa11-org/segclean/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func init() {
	prometheus.MustRegister(VictimSelections, VictimCandidates, VictimCost, VictimCursor, SearchWraps, SearchBudgetExhausted)
	prometheus.MustRegister(GcPasses, GcPassLatency, MigratedBlocks, FreeSections, DirtySegments)
}

// StartMetricsServer serves /metrics until ctx is cancelled.
func StartMetricsServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			util.Warn("metrics server shutdown: %v", err)
		}
	}()

	util.Info("Prometheus exporter listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Selection is what one victim search reports.
type Selection struct {
	GcType    types.GcType
	AllocMode types.AllocMode
	GcMode    types.GcMode
	Found     bool
	Cost      uint32
	Searched  uint32
	Wrapped   bool
	Exhausted bool
	Cursor    uint32
}

// ObserveSelection updates the selection metrics for one search.
func ObserveSelection(s Selection) {
	result := "none"
	if s.Found {
		result = "found"
	}
	VictimSelections.WithLabelValues(s.GcType.String(), s.AllocMode.String(), result).Inc()
	VictimCandidates.WithLabelValues(s.AllocMode.String()).Observe(float64(s.Searched))
	VictimCursor.WithLabelValues(s.GcMode.String()).Set(float64(s.Cursor))
	if s.Wrapped {
		SearchWraps.Inc()
	}
	if s.Exhausted {
		SearchBudgetExhausted.Inc()
	}
	if s.Found {
		cost := s.Cost
		if s.GcMode == types.GcCb {
			cost = math.MaxUint32 - cost
		}
		VictimCost.WithLabelValues(s.GcMode.String()).Observe(float64(cost))
	}
}

// ObservePass updates the GC pass metrics.
func ObservePass(gcType types.GcType, result string, moved uint32, elapsedSeconds float64) {
	GcPasses.WithLabelValues(gcType.String(), result).Inc()
	if result == "ok" {
		MigratedBlocks.Add(float64(moved))
		GcPassLatency.Observe(elapsedSeconds)
	}
}

// ObserveSpace publishes free and dirty space gauges.
func ObserveSpace(freeSections uint32, dirty map[types.DirtyType]uint32) {
	FreeSections.Set(float64(freeSections))
	for t, n := range dirty {
		DirtySegments.WithLabelValues(dirtyTypeLabel(t)).Set(float64(n))
	}
}

func dirtyTypeLabel(t types.DirtyType) string {
	switch t {
	case types.Dirty:
		return "dirty"
	case types.Pre:
		return "prefree"
	}
	if t >= 0 && t < types.DirtyType(types.NrCursegType) {
		return types.CursegType(t).String()
	}
	return fmt.Sprintf("dirty(%d)", int(t))
}
