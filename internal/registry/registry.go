// Package registry implements the per-display registry (spec component C2):
// the mapping from I²C bus path to a Per-Display record, its lazy
// get-or-create/discard-on-mismatch lifecycle, and the cross-display lock
// disciplines that let a redetect sweep race safely with in-flight retry
// loops on other buses.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/kgretry/ddcadapt/internal/dsa"
	"github.com/kgretry/ddcadapt/internal/retrypolicy"
)

// BusPath identifies an I²C bus, currently just the bus number (e.g. 2 for
// /dev/i2c-2).
type BusPath uint

// State is the per-record bitfield from spec §3.
type State uint8

const (
	// BusDetected is set once a record has been confirmed live against the
	// current hardware enumeration (as opposed to only existing in cache).
	BusDetected State = 1 << iota
	// FromCache marks a record that was populated from the stats cache and
	// has not yet been re-verified against a live EDID read.
	FromCache
	// EdidVerified marks a FromCache record whose cached fingerprint has
	// been confirmed to still match the live monitor.
	EdidVerified
)

// MultiplierSource records where a record's user-requested multiplier came
// from, for reporting.
type MultiplierSource int

const (
	MultiplierDefault MultiplierSource = iota
	MultiplierExplicit
	MultiplierReset
)

func (s MultiplierSource) String() string {
	switch s {
	case MultiplierDefault:
		return "Default"
	case MultiplierExplicit:
		return "Explicit"
	case MultiplierReset:
		return "Reset"
	default:
		return "Unknown"
	}
}

// MultiplierExtremes tracks the rolling min/max/sum/count of the step
// multiplier in force at every successful completion, for the report
// contract in spec §6.
type MultiplierExtremes struct {
	Min   float64
	Max   float64
	Sum   float64
	Count int
}

// Observe folds one successful multiplier into the rolling extremes.
func (e *MultiplierExtremes) Observe(mult float64) {
	if e.Count == 0 {
		e.Min = mult
		e.Max = mult
	} else {
		if mult < e.Min {
			e.Min = mult
		}
		if mult > e.Max {
			e.Max = mult
		}
	}
	e.Sum += mult
	e.Count++
}

// Average returns the mean observed multiplier, or 0 if none have been
// recorded yet.
func (e *MultiplierExtremes) Average() float64 {
	if e.Count == 0 {
		return 0
	}

	return e.Sum / float64(e.Count)
}

// Record is one Per-Display record (spec §3). The DSA state and retry
// policy are embedded inline rather than referenced through a separate
// heap object with a back-reference, per the spec's §9 Design Notes on
// cyclic references.
type Record struct {
	BusPath   BusPath
	EdidCheck byte

	Policy *retrypolicy.Policy
	DSA    *dsa.State

	// mu guards every field below that isn't already protected by Policy's
	// or DSA's own internal locking.
	mu                 sync.Mutex
	state              State
	userMultiplier     float64
	userMultiplierSrc  MultiplierSource
	successExtremes    MultiplierExtremes
	totalSleepRequested int64
}

func newRecord(bus BusPath, edidCheck byte, state State, dsaEnabled *atomic.Bool, defaultUserMultiplier float64, logger *log.Logger) *Record {
	var dsaState = dsa.NewState(defaultUserMultiplier, dsaEnabled)
	dsaState.SetLogger(logger)

	return &Record{
		BusPath:           bus,
		EdidCheck:         edidCheck,
		Policy:            retrypolicy.NewPolicy(),
		DSA:               dsaState,
		state:             state,
		userMultiplier:    defaultUserMultiplier,
		userMultiplierSrc: MultiplierDefault,
	}
}

// State returns the current bitfield.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state
}

// SetState replaces the bitfield.
func (r *Record) SetState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// AddState ORs flags into the bitfield.
func (r *Record) AddState(flags State) {
	r.mu.Lock()
	r.state |= flags
	r.mu.Unlock()
}

// UserMultiplier returns the user-requested multiplier and its source.
func (r *Record) UserMultiplier() (float64, MultiplierSource) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.userMultiplier, r.userMultiplierSrc
}

// SetUserMultiplier sets the user-requested multiplier explicitly.
func (r *Record) SetUserMultiplier(mult float64) {
	r.mu.Lock()
	r.userMultiplier = mult
	r.userMultiplierSrc = MultiplierExplicit
	r.mu.Unlock()
}

// ResetUserMultiplier restores the default (1.0) multiplier, also resetting
// the DSA dynamic state, per the engine's reset operation.
func (r *Record) ResetUserMultiplier() {
	r.mu.Lock()
	r.userMultiplier = 1.0
	r.userMultiplierSrc = MultiplierReset
	r.mu.Unlock()

	r.DSA.ResetMultiplier(1.0)
}

// RecordSuccessfulMultiplier folds a successful completion's effective
// multiplier into the rolling extremes, for reporting.
func (r *Record) RecordSuccessfulMultiplier(mult float64) {
	r.mu.Lock()
	r.successExtremes.Observe(mult)
	r.mu.Unlock()
}

// SuccessExtremes returns a copy of the rolling multiplier extremes.
func (r *Record) SuccessExtremes() MultiplierExtremes {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.successExtremes
}

// AddSleepMillis accrues requested sleep time for reporting (total sleep
// time in ms, per spec §6's report contract).
func (r *Record) AddSleepMillis(ms float64) {
	r.mu.Lock()
	r.totalSleepRequested += int64(ms)
	r.mu.Unlock()
}

// TotalSleepMillis returns the accrued requested sleep time in ms.
func (r *Record) TotalSleepMillis() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.totalSleepRequested
}

// Registry is the process-wide mapping from bus path to Per-Display record
// (spec §4.2). Per the spec's own framing of its lock as "reentrant",
// translated into idiomatic Go: a single sync.RWMutex stands in for the
// coarse cross-display lock (write-locked for structural mutation of the
// map, read-locked for lookups and multi-record iteration, since iteration
// only calls into Record/Policy/DSA methods that take their own finer
// locks); there is no Go-native reentrant mutex, and none of the exported
// operations below recurse into another exported operation while holding
// the lock, so reentrancy is not needed.
type Registry struct {
	mu                    sync.RWMutex
	records               map[BusPath]*Record
	dsaEnabled            *atomic.Bool
	defaultUserMultiplier float64
	log                   *log.Logger
}

// New returns an empty registry. dsaEnabled, if non-nil, is shared by every
// record's DSA state as the process-wide enable/disable flag (spec §9
// "Global mutable state"); pass nil to leave the DSA permanently enabled.
// defaultUserMultiplier seeds every newly created record's user multiplier
// and DSA initial step (engine config's top-level user_multiplier); pass
// 1.0 for the spec's own default. Logging defaults to log.Default(); call
// SetLogger to have the registry (and every record's DSA state it creates)
// share the engine's own logger instead.
func New(dsaEnabled *atomic.Bool, defaultUserMultiplier float64) *Registry {
	if defaultUserMultiplier <= 0 {
		defaultUserMultiplier = 1.0
	}

	return &Registry{
		records:               make(map[BusPath]*Record),
		dsaEnabled:            dsaEnabled,
		defaultUserMultiplier: defaultUserMultiplier,
		log:                   log.Default(),
	}
}

// SetLogger replaces the registry's logger. Records created before this
// call keep whatever logger their DSA state was given at creation time;
// only subsequently created records (and the registry's own log lines)
// pick up l.
func (reg *Registry) SetLogger(l *log.Logger) {
	reg.mu.Lock()
	reg.log = l
	reg.mu.Unlock()
}

// IdentitySource resolves the live EDID checksum byte for a bus. It mirrors
// the identity package's contract but keyed by BusPath rather than uint.
// GetOrCreate does not call it: callers resolve the byte themselves and
// pass it in.
type IdentitySource interface {
	EdidCheckByte(bus BusPath) (byte, error)
}

// GetOrCreate returns the record for bus, validating a cached record's
// fingerprint against fingerprintByte. On mismatch the cached record is
// discarded and a fresh one created with default budgets and initial step
// (spec §4.2, scenario 5 in §8).
func (reg *Registry) GetOrCreate(bus BusPath, fingerprintByte byte) *Record {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var existing, ok = reg.records[bus]
	if ok {
		if existing.EdidCheck == fingerprintByte {
			existing.AddState(BusDetected | EdidVerified)

			return existing
		}
		// Fingerprint mismatch: the bus has been re-enumerated to a
		// different physical monitor. Discard and fall through to create
		// a fresh record (invariant 5 in spec §3).
		reg.log.Warn("edid fingerprint mismatch, discarding cached record", "bus", bus, "cached", existing.EdidCheck, "live", fingerprintByte)
		delete(reg.records, bus)
	}

	var rec = newRecord(bus, fingerprintByte, BusDetected, reg.dsaEnabled, reg.defaultUserMultiplier, reg.log)
	reg.records[bus] = rec

	return rec
}

// Get looks up a record without creating one.
func (reg *Registry) Get(bus BusPath) (*Record, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var rec, ok = reg.records[bus]

	return rec, ok
}

// adoptFromCache installs a record produced by the stats cache loader
// (state FromCache, EdidVerified not yet set). Used only at startup, before
// any GetOrCreate call for that bus. Not part of the cross-display public
// contract, so it takes the write lock directly rather than going through
// GetOrCreate's mismatch-discard path.
func (reg *Registry) adoptFromCache(rec *Record) {
	rec.SetState(FromCache)

	reg.mu.Lock()
	reg.records[rec.BusPath] = rec
	reg.mu.Unlock()
}

// AdoptFromCache exposes adoptFromCache to the statscache package without
// creating an import cycle (statscache imports registry, not vice versa).
func (reg *Registry) AdoptFromCache(rec *Record) {
	reg.adoptFromCache(rec)
}

// NewCacheRecord builds a Record from cache-derived data for AdoptFromCache,
// without going through a live identity source. The record shares this
// registry's DSA-enabled flag, matching records created via GetOrCreate.
func (reg *Registry) NewCacheRecord(bus BusPath, edidCheck byte) *Record {
	return newRecord(bus, edidCheck, FromCache, reg.dsaEnabled, reg.defaultUserMultiplier, reg.log)
}

// ApplyAll calls fn once per record, in arbitrary order, under the registry
// read lock (spec §4.2).
func (reg *Registry) ApplyAll(fn func(*Record)) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	for _, rec := range reg.records {
		fn(rec)
	}
}

// ApplyAllSorted calls fn once per record in ascending bus-path order.
func (reg *Registry) ApplyAllSorted(fn func(*Record)) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var buses = make([]BusPath, 0, len(reg.records))
	for bus := range reg.records {
		buses = append(buses, bus)
	}
	sort.Slice(buses, func(i, j int) bool { return buses[i] < buses[j] })

	for _, bus := range buses {
		fn(reg.records[bus])
	}
}

// Sweep removes every record whose FromCache flag survives without
// EdidVerified having been set (spec §3 Lifecycle: "On explicit redetection
// the registry is swept and records whose cached-but-unverified flag
// survives are freed"). Callers invoke this once per redetect pass, after
// GetOrCreate has had a chance to re-verify every bus still present.
func (reg *Registry) Sweep() {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	for bus, rec := range reg.records {
		var s = rec.State()
		if s&FromCache != 0 && s&EdidVerified == 0 {
			reg.log.Info("sweeping unverified cache record", "bus", bus)
			delete(reg.records, bus)
		}
	}
}

// Len returns the number of records currently held.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	return len(reg.records)
}
