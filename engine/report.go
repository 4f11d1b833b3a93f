package engine

import (
	"time"

	"github.com/lestrrat-go/strftime"

	"github.com/kgretry/ddcadapt/internal/dsa"
	"github.com/kgretry/ddcadapt/internal/registry"
	"github.com/kgretry/ddcadapt/internal/retrypolicy"
)

// ClassHistogram pairs a class label with its try histogram, up to the
// highest non-zero index, for compact rendering.
type ClassHistogram struct {
	Class     string
	Histogram []int
}

// InvocationRecord is one successful-invocation entry, with its epoch
// timestamp pre-formatted for display.
type InvocationRecord struct {
	Timestamp    string
	TryCount     int
	RequiredStep int
}

// Report is the structured report contract from spec §6: "named fields and
// nested sub-structures; a caller chooses a text renderer." Depth 0 carries
// only the scalar summary fields; depth 1 adds per-class histograms; depth 2
// adds the raw buffer contents.
type Report struct {
	Bus                registry.BusPath
	EdidCheck          byte
	UserMultiplier     float64
	UserMultiplierSrc  string
	InitialStep        int
	CurStep            int
	InitialMultiplier  float64
	FinalMultiplier    float64
	TotalSleepMillis   int64
	SuccessfulObs      int
	RetryableFailures  int
	MinSuccessfulMult  float64
	MaxSuccessfulMult  float64
	AvgSuccessfulMult  float64
	AdjustmentsUp      int
	AdjustmentsDown    int

	// Histograms is populated at depth >= 1.
	Histograms []ClassHistogram

	// Buffer is populated at depth >= 2.
	Buffer []InvocationRecord

	timestampLayout string
}

// defaultTimestampLayout mirrors the teacher's own default -T format in
// cmd/direwolf/main.go.
const defaultTimestampLayout = "%Y-%m-%dT%H:%M:%S"

// Report builds a structured report for rec at the requested depth (0, 1, or
// 2), per spec §6's field list. It does not touch the transport or identity
// source; callers needing a live EDID re-check should call Redetect first.
func (e *Engine) Report(rec *registry.Record, depth int) Report {
	var snap = rec.DSA.Snapshot()
	var extremes = rec.SuccessExtremes()
	var userMult, userMultSrc = rec.UserMultiplier()

	var r = Report{
		Bus:               rec.BusPath,
		EdidCheck:         rec.EdidCheck,
		UserMultiplier:    userMult,
		UserMultiplierSrc: userMultSrc.String(),
		InitialStep:       snap.InitialStep,
		CurStep:           snap.CurStep,
		InitialMultiplier: dsa.StepToMultiplier(snap.InitialStep),
		FinalMultiplier:   dsa.StepToMultiplier(snap.CurStep),
		TotalSleepMillis:  rec.TotalSleepMillis(),
		SuccessfulObs:     snap.SuccessfulObservations,
		RetryableFailures: snap.RetryableFailures,
		MinSuccessfulMult: extremes.Min,
		MaxSuccessfulMult: extremes.Max,
		AvgSuccessfulMult: extremes.Average(),
		AdjustmentsUp:     snap.AdjustmentsUp,
		AdjustmentsDown:   snap.AdjustmentsDown,
		timestampLayout:   e.currentTimestampLayout(),
	}

	if depth >= 1 {
		for c := retrypolicy.Class(0); int(c) < retrypolicy.ClassCount; c++ {
			var hi = rec.Policy.HighestNonZeroIndex(c)
			if hi < 0 {
				r.Histograms = append(r.Histograms, ClassHistogram{Class: c.String()})

				continue
			}

			var full = rec.Policy.Histogram(c)
			r.Histograms = append(r.Histograms, ClassHistogram{
				Class:     c.String(),
				Histogram: full[:hi+1],
			})
		}
	}

	if depth >= 2 {
		for _, inv := range snap.Buffer {
			r.Buffer = append(r.Buffer, InvocationRecord{
				Timestamp:    r.formatTimestamp(inv.EpochSeconds),
				TryCount:     inv.TryCount,
				RequiredStep: inv.RequiredStep,
			})
		}
	}

	return r
}

// FormatTimestamps overrides the strftime layout used for buffer entries in
// subsequent Report calls (mirroring the teacher's own `-T`/`--timestamp-format`
// flag in cmd/direwolf/main.go).
func (e *Engine) FormatTimestamps(layout string) {
	e.mu.Lock()
	e.timestampLayout = layout
	e.mu.Unlock()
}

func (e *Engine) currentTimestampLayout() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.timestampLayout == "" {
		return defaultTimestampLayout
	}

	return e.timestampLayout
}

func (r Report) formatTimestamp(epochSeconds int64) string {
	var layout = r.timestampLayout
	if layout == "" {
		layout = defaultTimestampLayout
	}

	var formatted, err = strftime.Format(layout, time.Unix(epochSeconds, 0).UTC())
	if err != nil {
		return time.Unix(epochSeconds, 0).UTC().Format(time.RFC3339)
	}

	return formatted
}
