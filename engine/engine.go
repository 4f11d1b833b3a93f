// Package engine bundles components C1-C6 into the explicit context object
// the spec's §9 Design Notes call for ("A re-architecture should bundle
// [the registry, sleep statistics, and tunables] into an explicit Engine
// context object created at initialisation and passed through every public
// entry point"): the registry, sleep clock, identity source, transport, and
// DSA-enabled flag all live on one *Engine instead of as process-wide
// globals.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/kgretry/ddcadapt/identity"
	"github.com/kgretry/ddcadapt/internal/clock"
	"github.com/kgretry/ddcadapt/internal/dsa"
	"github.com/kgretry/ddcadapt/internal/registry"
	"github.com/kgretry/ddcadapt/internal/retrypolicy"
	"github.com/kgretry/ddcadapt/internal/statscache"
	"github.com/kgretry/ddcadapt/transport"
)

// Engine is the process-wide context for the adaptive retry/sleep system.
// Exactly one should exist per running program; every public operation
// takes it as a receiver rather than consulting package-level state.
type Engine struct {
	cfg Config

	reg        *registry.Registry
	clock      *clock.Clock
	identity   identity.Source
	transport  transport.Transport
	dsaEnabled *atomic.Bool
	log        *log.Logger

	cachePath string

	mu              sync.Mutex
	timestampLayout string
}

// Option customizes an Engine at construction time; used by tests to inject
// a deterministic clock.
type Option func(*Engine)

// WithClock overrides the Engine's sleep clock, e.g. with
// clock.NewWithFuncs so tests don't wait on real time.Sleep calls.
func WithClock(c *clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New builds an Engine from cfg, wiring a fresh registry, sleep clock, and
// charmbracelet/log logger (declared in the teacher's go.mod but never
// imported by any of its own files; this is the home it never got there).
// src and tr are supplied by the caller, since they depend on the live
// hardware environment (or a test double).
func New(cfg Config, src identity.Source, tr transport.Transport, opts ...Option) (*Engine, error) {
	var dsaEnabled atomic.Bool
	dsaEnabled.Store(cfg.DSAEnabled)

	retrypolicy.SetDefaultMaxTries(retrypolicy.WriteOnly, orDefault(cfg.MaxTries.WriteOnly, 4))
	retrypolicy.SetDefaultMaxTries(retrypolicy.WriteRead, orDefault(cfg.MaxTries.WriteRead, 4))
	retrypolicy.SetDefaultMaxTries(retrypolicy.MultiPartRead, orDefault(cfg.MaxTries.MultiPartRead, 8))
	retrypolicy.SetDefaultMaxTries(retrypolicy.MultiPartWrite, orDefault(cfg.MaxTries.MultiPartWrite, 8))

	dsa.SetDefaultTunables(orDefault(cfg.DSA.Lookback, dsa.DefaultLookback), orDefault(cfg.DSA.AdjustmentInterval, dsa.DefaultAdjustmentInterval))

	var cachePath = cfg.CachePath
	if cachePath == "" {
		var p, err = statscache.DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("engine: resolve cache path: %w", err)
		}
		cachePath = p
	}

	var e = &Engine{
		cfg:        cfg,
		reg:        registry.New(&dsaEnabled, orDefaultFloat(cfg.UserMultiplier, 1.0)),
		clock:      clock.New(),
		identity:   src,
		transport:  tr,
		dsaEnabled: &dsaEnabled,
		log:        log.NewWithOptions(nil, log.Options{ReportTimestamp: true, Prefix: "ddcadapt"}),
		cachePath:  cachePath,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.reg.SetLogger(e.log)

	if err := statscache.Load(e.reg, cachePath, e.log); err != nil {
		e.log.Warn("stats cache load failed, continuing with defaults", "path", cachePath, "err", err)
	}

	return e, nil
}

func orDefault(n, fallback int) int {
	if n <= 0 {
		return fallback
	}

	return n
}

func orDefaultFloat(f, fallback float64) float64 {
	if f <= 0 {
		return fallback
	}

	return f
}

// Registry exposes the underlying registry for reporting and redetect use.
func (e *Engine) Registry() *registry.Registry {
	return e.reg
}

// Clock exposes the shared sleep clock for reporting.
func (e *Engine) Clock() *clock.Clock {
	return e.clock
}

// SetDSAEnabled toggles the DSA globally (spec §4.4.6); disabling does not
// clear history.
func (e *Engine) SetDSAEnabled(v bool) {
	e.dsaEnabled.Store(v)
}

// SetUserMultiplier sets the explicit user-requested multiplier for bus,
// creating the record via GetOrCreate if it doesn't exist yet.
func (e *Engine) SetUserMultiplier(bus registry.BusPath, mult float64) error {
	var rec, err = e.getOrCreateVerified(bus)
	if err != nil {
		return err
	}

	rec.SetUserMultiplier(mult)

	return nil
}

// ResetMultiplier clears a single display's dynamic DSA state and resets
// its user multiplier to 1.0, regardless of the configured
// user_multiplier (spec §4.4.5).
func (e *Engine) ResetMultiplier(bus registry.BusPath) error {
	var rec, err = e.getOrCreateVerified(bus)
	if err != nil {
		return err
	}

	rec.ResetUserMultiplier()

	return nil
}

// getOrCreateVerified resolves the live EDID checksum for bus and calls
// GetOrCreate, discarding any stale cached record on mismatch (spec §4.2).
func (e *Engine) getOrCreateVerified(bus registry.BusPath) (*registry.Record, error) {
	var fingerprint, err = e.identity.EdidCheckByte(uint(bus))
	if err != nil {
		return nil, fmt.Errorf("engine: identity lookup for bus %d: %w", bus, err)
	}

	return e.reg.GetOrCreate(bus, fingerprint), nil
}

// Redetect sweeps the registry against the current set of live buses: every
// bus in buses is re-verified (or freshly created); any record surviving
// from cache without re-verification is then freed (spec §3 Lifecycle).
func (e *Engine) Redetect(ctx context.Context, buses []registry.BusPath) error {
	for _, bus := range buses {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := e.getOrCreateVerified(bus); err != nil {
			e.log.Warn("redetect: bus unreachable, leaving any cached record unverified", "bus", bus, "err", err)
		}
	}

	e.reg.Sweep()

	return nil
}

// Shutdown persists the stats cache; each call rewrites the cache file.
// Safe to call even if no bus was ever opened.
func (e *Engine) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := statscache.Save(e.reg, e.cachePath, e.log); err != nil {
		return fmt.Errorf("engine: save stats cache: %w", err)
	}

	return nil
}
