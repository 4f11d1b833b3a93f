// Package dsa implements the Dynamic Sleep Adaptor (spec component C4): a
// closed-loop controller on an ordered state space of eleven step indices
// that converts recent success/failure history into a sleep-multiplier.
//
// The controller's state used to live behind a pointer from the per-display
// record with a weak back-reference, per the original source (spec §9
// Design Notes). Here it is stored inline in State with no back-reference,
// as the Design Notes direct.
package dsa

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// StepLadder is the ordered, immutable array of multiplier values
// expressed as integer hundredths. Step indices into this array, not
// floats, are the canonical representation of DSA state.
var StepLadder = [11]int{0, 5, 10, 20, 30, 50, 70, 100, 130, 160, 200}

// StepLast is the index of the last (highest) step.
const StepLast = len(StepLadder) - 1

// MaxRecentValues is the capacity of the per-display circular invocation
// buffer.
const MaxRecentValues = 20

// DefaultLookback and DefaultAdjustmentInterval are the default tunables
// installed on a freshly created State.
const (
	DefaultLookback           = 5
	DefaultAdjustmentInterval = 3
)

var (
	defaultsMu                sync.Mutex
	defaultLookback           = DefaultLookback
	defaultAdjustmentInterval = DefaultAdjustmentInterval
)

// SetDefaultTunables overrides the lookback and adjustment-interval
// installed on every State created after this call (engine config's
// dsa.lookback/dsa.adjustment_interval). It does not affect existing
// State values, mirroring retrypolicy.SetDefaultMaxTries.
func SetDefaultTunables(lookback, adjustmentInterval int) {
	if lookback < 1 || lookback > MaxRecentValues {
		panic(fmt.Sprintf("dsa: default lookback %d out of range [1,%d]", lookback, MaxRecentValues))
	}
	if adjustmentInterval < 1 {
		panic(fmt.Sprintf("dsa: default adjustment interval %d must be >= 1", adjustmentInterval))
	}

	defaultsMu.Lock()
	defaultLookback = lookback
	defaultAdjustmentInterval = adjustmentInterval
	defaultsMu.Unlock()
}

func defaultTunables() (lookback, adjustmentInterval int) {
	defaultsMu.Lock()
	defer defaultsMu.Unlock()

	return defaultLookback, defaultAdjustmentInterval
}

// InvocationRecord is a successful-invocation record: {epoch_seconds,
// try_count, required_step}.
type InvocationRecord struct {
	EpochSeconds int64
	TryCount     int
	RequiredStep int
}

// ring is the circular invocation buffer. Capacity MaxRecentValues;
// insertion past capacity overwrites the oldest record.
type ring struct {
	data  [MaxRecentValues]InvocationRecord
	start int
	count int
}

func (r *ring) push(rec InvocationRecord) {
	var idx = (r.start + r.count) % MaxRecentValues
	r.data[idx] = rec

	if r.count < MaxRecentValues {
		r.count++
	} else {
		r.start = (r.start + 1) % MaxRecentValues
	}
}

// at returns the record at logical index i, 0 == oldest.
func (r *ring) at(i int) InvocationRecord {
	if i < 0 || i >= r.count {
		panic(fmt.Sprintf("dsa: buffer index %d out of range [0,%d)", i, r.count))
	}

	return r.data[(r.start+i)%MaxRecentValues]
}

// latest returns the most recent n records, oldest first.
func (r *ring) latest(n int) []InvocationRecord {
	if n > r.count {
		n = r.count
	}

	var out = make([]InvocationRecord, n)
	for i := 0; i < n; i++ {
		out[i] = r.at(r.count - n + i)
	}

	return out
}

func (r *ring) Len() int { return r.count }

// All returns every buffered record, oldest first, for reporting and cache
// serialisation.
func (r *ring) All() []InvocationRecord { return r.latest(r.count) }

// MultiplierToStep converts a floating-point multiplier to the nearest step
// index in StepLadder (expressed as hundredths internally).
func MultiplierToStep(m float64) int {
	var target = int(math.Round(m * 100))

	var best = 0
	var bestDiff = -1

	for i, v := range StepLadder {
		var diff = v - target
		if diff < 0 {
			diff = -diff
		}

		if bestDiff == -1 || diff < bestDiff {
			bestDiff = diff
			best = i
		}
	}

	return best
}

// StepToMultiplier converts a step index to its floating-point multiplier.
func StepToMultiplier(step int) float64 {
	return float64(StepLadder[step]) / 100.0
}

// nextRetryStep implements the intra-loop adjustment of spec §4.4.2
// literally: remaining_steps = step_last - prev_step; fadj =
// remaining_steps/remaining_tries; fadj2 clamps fadj into 1.0 when it falls
// strictly between 0.75 and 1.0; adjustment = floor(fadj2); next_step =
// min(prev_step + adjustment, step_last). remainingTries == 0 leaves the
// step unchanged.
//
// Spec §8 scenario 6 offers an illustrative trajectory (0 -> 3 -> 5 -> 7)
// for remaining-tries sequence 4, 3, 2 starting from step 0. Applying this
// formula literally instead computes 0 -> 2 -> 4 -> 7: the two
// intermediate values differ from the illustration but the terminal value
// (7) agrees. Per §9's direction to flag rather than guess at likely bugs
// in worked examples, this implementation follows the prose formula
// exactly; see DESIGN.md.
func nextRetryStep(prevStep, remainingTries int) int {
	if remainingTries <= 0 {
		return prevStep
	}

	var remainingSteps = float64(StepLast - prevStep)
	var fadj = remainingSteps / float64(remainingTries)

	var fadj2 = fadj
	if fadj > 0.75 && fadj < 1.0 {
		fadj2 = 1.0
	}

	var adjustment = int(math.Floor(fadj2))

	var next = prevStep + adjustment
	if next > StepLast {
		next = StepLast
	}

	return next
}

// State is the DSA state inline in a per-display record.
type State struct {
	mu sync.Mutex

	CurStep            int
	CurRetryLoopStep   int
	MinOkStep          int
	FoundFailureStep   bool
	Lookback           int
	RemainingInterval  int
	AdjustmentInterval int
	InitialStep        int
	InitialLookback    int

	AdjustmentsUp          int
	AdjustmentsDown        int
	SuccessfulObservations int
	RetryableFailures      int

	buffer ring

	enabled *atomic.Bool
	log     *log.Logger

	nowFunc func() int64
}

// NewState creates DSA state seeded from an initial user multiplier. enabled
// is a shared flag (one per Engine) gating every record's DSA; passing nil
// means the controller is always enabled. Logging defaults to
// log.Default(); the registry that owns this State calls SetLogger to
// share the engine's own logger instead.
func NewState(initialMultiplier float64, enabled *atomic.Bool) *State {
	var step = MultiplierToStep(initialMultiplier)
	var lookback, adjustmentInterval = defaultTunables()

	return &State{
		CurStep:            step,
		CurRetryLoopStep:   step,
		MinOkStep:          0,
		FoundFailureStep:   false,
		Lookback:           lookback,
		RemainingInterval:  adjustmentInterval,
		AdjustmentInterval: adjustmentInterval,
		InitialStep:        step,
		InitialLookback:    lookback,
		enabled:            enabled,
		log:                log.Default(),
		nowFunc:            func() int64 { return time.Now().Unix() },
	}
}

// SetLogger replaces this State's logger. A nil logger is replaced with
// log.Default() rather than stored, so callers never need a nil check
// before logging.
func (s *State) SetLogger(l *log.Logger) {
	if l == nil {
		l = log.Default()
	}

	s.mu.Lock()
	s.log = l
	s.mu.Unlock()
}

func (s *State) isEnabled() bool {
	return s.enabled == nil || s.enabled.Load()
}

func (s *State) now() int64 {
	if s.nowFunc != nil {
		return s.nowFunc()
	}

	return time.Now().Unix()
}

// CurrentMultiplier returns steps[cur_retry_loop_step]/100, or userMult
// directly when DSA is disabled.
func (s *State) CurrentMultiplier(userMult float64) float64 {
	if !s.isEnabled() {
		return userMult
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return StepToMultiplier(s.CurRetryLoopStep)
}

// OnRetryableFailure recomputes the step to use on the next iteration of
// the same retry loop. The ramp starts from cur_retry_loop_step, or from
// cur_step if a non-ok final left cur_retry_loop_step below it. No-op when
// DSA is disabled.
func (s *State) OnRetryableFailure(remainingTries int) {
	if !s.isEnabled() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var prevStep = s.CurRetryLoopStep
	if prevStep < s.CurStep {
		prevStep = s.CurStep
	}

	s.CurRetryLoopStep = nextRetryStep(prevStep, remainingTries)

	s.checkInvariantsLocked()
}

// OnFinal is called after a retry loop terminates for any reason. ok
// indicates the loop's final status classified as Success; triesUsed is
// the number of attempts made. No-op when DSA is disabled.
func (s *State) OnFinal(ok bool, triesUsed int) {
	if !s.isEnabled() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ok {
		s.onSuccessfulFinalLocked(triesUsed)
		s.checkInvariantsLocked()

		return
	}

	// Per spec §4.4.3 and the Design Notes (§9), a non-ok final resets
	// cur_retry_loop_step to initial_step verbatim, a possibly-buggy quirk
	// preserved literally rather than guessed at. If a prior up-test has
	// raised cur_step above initial_step, this transiently produces
	// cur_retry_loop_step < cur_step; the next on_retryable_failure call
	// (which ramps from cur_step in that case) or successful final
	// re-establishes the invariant, so it is not checked here.
	s.log.Debug("retry loop exhausted, resetting cur_retry_loop_step to initial_step", "cur_step", s.CurStep, "initial_step", s.InitialStep, "tries", triesUsed)

	s.RemainingInterval = s.AdjustmentInterval
	s.CurRetryLoopStep = s.InitialStep
	s.RetryableFailures++
}

func (s *State) onSuccessfulFinalLocked(triesUsed int) {
	if triesUsed < 1 || triesUsed > MaxTriesCeiling {
		panic(fmt.Sprintf("dsa: try count %d out of range on successful final", triesUsed))
	}

	s.buffer.push(InvocationRecord{
		EpochSeconds: s.now(),
		TryCount:     triesUsed,
		RequiredStep: s.CurRetryLoopStep,
	})
	s.SuccessfulObservations++

	switch {
	case triesUsed > 3:
		// Needed to crank up within the loop itself: adopt the ramped
		// step directly, without probing downward this call.
		s.CurStep = s.CurRetryLoopStep
		s.MinOkStep = s.CurStep
		s.FoundFailureStep = true
		s.AdjustmentsUp++
	case triesUsed > 2:
		// One retry was needed.
		s.RemainingInterval--
		if s.RemainingInterval <= 0 {
			s.recentSuccessScanLocked()
			s.RemainingInterval = s.AdjustmentInterval
		}
	default:
		// Clean success (tries <= 2).
		s.recentSuccessScanLocked()
		s.RemainingInterval = s.AdjustmentInterval
	}

	s.CurRetryLoopStep = s.CurStep
}

// recentSuccessScanLocked implements §4.4.4. Caller must hold s.mu.
func (s *State) recentSuccessScanLocked() {
	var n = s.Lookback
	if s.buffer.Len() < n {
		n = s.buffer.Len()
	}

	if n == 0 {
		return
	}

	var records = s.buffer.latest(n)

	var maxTryct int
	var totalTryct int

	for _, r := range records {
		if r.TryCount > maxTryct {
			maxTryct = r.TryCount
		}
		totalTryct += r.TryCount
	}

	var highErrors = maxTryct > 3 || (totalTryct*10/n > 14)

	if highErrors {
		if s.CurStep < StepLast {
			s.CurStep++
			s.AdjustmentsUp++
			s.FoundFailureStep = true
			s.MinOkStep = s.CurStep
			s.log.Debug("dsa step increased", "cur_step", s.CurStep, "max_tries", maxTryct, "total_tries", totalTryct)
		}

		return
	}

	switch {
	case totalTryct <= n+1:
		if s.CurStep > 0 && (!s.FoundFailureStep || s.CurStep > s.MinOkStep) {
			s.CurStep--
			s.log.Debug("dsa step decreased", "cur_step", s.CurStep, "reason", "low total tries")
		}
		if s.CurStep > s.MinOkStep {
			s.MinOkStep = s.CurStep
		}
		s.AdjustmentsDown++
	case s.FoundFailureStep:
		if s.CurStep > s.MinOkStep {
			s.CurStep--
			s.log.Debug("dsa step decreased", "cur_step", s.CurStep, "reason", "probing below min_ok_step")
		}
	default:
		if s.CurStep > 0 {
			s.CurStep--
			s.log.Debug("dsa step decreased", "cur_step", s.CurStep, "reason", "no failure step found yet")
		}
	}
}

// ResetMultiplier clears the dynamic state of this record (cur_step from
// the new user multiplier, found_failure_step cleared, min_ok_step zeroed,
// counters zeroed, circular buffer drained) without reallocating the
// record.
func (s *State) ResetMultiplier(newUserMultiplier float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var step = MultiplierToStep(newUserMultiplier)

	s.InitialStep = step
	s.CurStep = step
	s.CurRetryLoopStep = step
	s.MinOkStep = 0
	s.FoundFailureStep = false
	s.AdjustmentsUp = 0
	s.AdjustmentsDown = 0
	s.SuccessfulObservations = 0
	s.RetryableFailures = 0
	s.RemainingInterval = s.AdjustmentInterval
	s.buffer = ring{}
}

// Buffer returns a copy of every buffered invocation record, oldest first.
func (s *State) Buffer() []InvocationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.buffer.All()
}

// RestoreBuffer replaces the buffer contents verbatim, for cache loading.
// Records beyond MaxRecentValues are dropped, oldest first.
func (s *State) RestoreBuffer(records []InvocationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = ring{}

	var start = 0
	if len(records) > MaxRecentValues {
		start = len(records) - MaxRecentValues
	}

	for _, r := range records[start:] {
		s.buffer.push(r)
	}
}

// MaxTriesCeiling bounds try_count for a successful-invocation record; it
// matches retrypolicy.MaxMaxTries but is duplicated here (as a plain
// constant) so that dsa does not import retrypolicy.
const MaxTriesCeiling = 15

// checkInvariantsLocked asserts the record-level invariants from spec §3 and
// §8. A violation is a programmer error: per spec §7 it must crash loudly
// rather than be silently clamped, since continuing risks corrupting
// persisted state.
func (s *State) checkInvariantsLocked() {
	if s.CurStep < 0 || s.CurStep > StepLast {
		s.log.Error("dsa invariant violated", "invariant", "cur_step range", "cur_step", s.CurStep, "step_last", StepLast)
		panic(fmt.Sprintf("dsa: invariant violated: cur_step=%d out of [0,%d]", s.CurStep, StepLast))
	}

	if s.CurRetryLoopStep < s.CurStep {
		s.log.Error("dsa invariant violated", "invariant", "cur_retry_loop_step >= cur_step", "cur_retry_loop_step", s.CurRetryLoopStep, "cur_step", s.CurStep)
		panic(fmt.Sprintf("dsa: invariant violated: cur_retry_loop_step=%d < cur_step=%d", s.CurRetryLoopStep, s.CurStep))
	}

	if s.FoundFailureStep && s.MinOkStep > s.CurStep {
		s.log.Error("dsa invariant violated", "invariant", "min_ok_step <= cur_step", "min_ok_step", s.MinOkStep, "cur_step", s.CurStep)
		panic(fmt.Sprintf("dsa: invariant violated: min_ok_step=%d > cur_step=%d with found_failure_step set", s.MinOkStep, s.CurStep))
	}
}

// Snapshot is an immutable copy of State for reporting and cache
// serialisation.
type Snapshot struct {
	CurStep            int
	CurRetryLoopStep   int
	MinOkStep          int
	FoundFailureStep   bool
	Lookback           int
	RemainingInterval  int
	AdjustmentInterval int
	InitialStep        int
	InitialLookback    int

	AdjustmentsUp          int
	AdjustmentsDown        int
	SuccessfulObservations int
	RetryableFailures      int

	Buffer []InvocationRecord
}

// Snapshot returns a consistent copy of the full state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		CurStep:                s.CurStep,
		CurRetryLoopStep:       s.CurRetryLoopStep,
		MinOkStep:              s.MinOkStep,
		FoundFailureStep:       s.FoundFailureStep,
		Lookback:               s.Lookback,
		RemainingInterval:      s.RemainingInterval,
		AdjustmentInterval:     s.AdjustmentInterval,
		InitialStep:            s.InitialStep,
		InitialLookback:        s.InitialLookback,
		AdjustmentsUp:          s.AdjustmentsUp,
		AdjustmentsDown:        s.AdjustmentsDown,
		SuccessfulObservations: s.SuccessfulObservations,
		RetryableFailures:      s.RetryableFailures,
		Buffer:                 s.buffer.All(),
	}
}

// RestoreFromCache installs cache-loaded scalar state (everything except
// the buffer, which callers restore separately via RestoreBuffer) and sets
// cur_retry_loop_step := cur_step, initial_step := cur_step, and
// initial_lookback := lookback, per spec §4.5.
func (s *State) RestoreFromCache(curStep, lookback, remainingInterval, minOkStep int, foundFailureStep bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.CurStep = curStep
	s.Lookback = lookback
	s.RemainingInterval = remainingInterval
	s.MinOkStep = minOkStep
	s.FoundFailureStep = foundFailureStep

	s.CurRetryLoopStep = s.CurStep
	s.InitialStep = s.CurStep
	s.InitialLookback = s.Lookback
}

// SetEnabled is a test/engine hook to flip the shared enabled flag; it has
// no effect if this State was created with enabled == nil.
func (s *State) SetEnabled(v bool) {
	if s.enabled != nil {
		s.enabled.Store(v)
	}
}
