package engine

import (
	"fmt"

	"github.com/kgretry/ddcadapt/internal/clock"
	"github.com/kgretry/ddcadapt/internal/registry"
	"github.com/kgretry/ddcadapt/internal/retrypolicy"
)

// baseMillisFor returns the configured base delay for class, the fixed term
// in the `sleep(base * user_mult * m, ...)` product (spec §4.6).
func (e *Engine) baseMillisFor(class retrypolicy.Class) float64 {
	switch class {
	case retrypolicy.WriteOnly:
		return e.cfg.BaseMillis.WriteOnly
	case retrypolicy.WriteRead:
		return e.cfg.BaseMillis.WriteRead
	case retrypolicy.MultiPartRead:
		return e.cfg.BaseMillis.MultiPartRead
	case retrypolicy.MultiPartWrite:
		return e.cfg.BaseMillis.MultiPartWrite
	default:
		panic(fmt.Sprintf("engine: unknown class %v", class))
	}
}

// doWithRetry implements the C6 retry loop (spec §4.6) common to every
// operation class: sleep for base_millis * user_mult * m, attempt one
// transport exchange, classify, and continue or return depending on the
// disposition. Every path out of the loop calls both record_attempt and
// on_final exactly once, per spec §4.3/§4.4.
func (e *Engine) doWithRetry(bus registry.BusPath, readOnly bool, class retrypolicy.Class, request []byte, expectedResponseLen int) (retrypolicy.Status, []byte, error) {
	var rec, err = e.getOrCreateVerified(bus)
	if err != nil {
		return retrypolicy.IoFatal, nil, err
	}

	var handle, openErr = e.transport.Open(uint(bus), readOnly)
	if openErr != nil {
		return retrypolicy.DeviceNotFound, nil, fmt.Errorf("engine: open bus %d: %w", bus, openErr)
	}
	defer handle.Close()

	var max = rec.Policy.GetMaxTries(class)
	var userMult, _ = rec.UserMultiplier()
	var base = e.baseMillisFor(class)

	for tryct := 1; tryct <= max; tryct++ {
		var dsaMult = rec.DSA.CurrentMultiplier(userMult)
		var sleepMillis = base * userMult * dsaMult

		e.clock.Sleep(sleepMillis, clock.Options{})
		rec.AddSleepMillis(sleepMillis)

		var status, resp = handle.WriteRead(request, expectedResponseLen)

		switch retrypolicy.Classify(status) {
		case retrypolicy.Success:
			rec.Policy.RecordAttempt(class, status, tryct)
			rec.DSA.OnFinal(true, tryct)
			rec.RecordSuccessfulMultiplier(dsaMult)

			return status, resp, nil

		case retrypolicy.Retryable:
			if tryct == max {
				rec.Policy.RecordAttempt(class, retrypolicy.RetriesExhausted, tryct)
				rec.DSA.OnFinal(false, tryct)

				return retrypolicy.RetriesExhausted, resp, nil
			}

			rec.DSA.OnRetryableFailure(max - tryct)

		default: // Fatal
			rec.Policy.RecordAttempt(class, status, tryct)
			rec.DSA.OnFinal(false, tryct)

			return status, resp, nil
		}
	}

	panic("engine: retry loop exited without a terminal disposition")
}

// DoWriteOnlyWithRetry performs a write-only DDC command (e.g. VCP set) with
// adaptive retry.
func (e *Engine) DoWriteOnlyWithRetry(bus registry.BusPath, request []byte) (retrypolicy.Status, error) {
	var status, _, err = e.doWithRetry(bus, false, retrypolicy.WriteOnly, request, 0)

	return status, err
}

// DoWriteReadWithRetry performs a write-then-read DDC exchange (e.g. VCP
// get) with adaptive retry.
func (e *Engine) DoWriteReadWithRetry(bus registry.BusPath, request []byte, expectedResponseLen int) (retrypolicy.Status, []byte, error) {
	return e.doWithRetry(bus, true, retrypolicy.WriteRead, request, expectedResponseLen)
}

// DoMultiPartReadWithRetry performs one fragment of a multi-part DDC read
// (e.g. capabilities string) with adaptive retry.
func (e *Engine) DoMultiPartReadWithRetry(bus registry.BusPath, request []byte, expectedResponseLen int) (retrypolicy.Status, []byte, error) {
	return e.doWithRetry(bus, true, retrypolicy.MultiPartRead, request, expectedResponseLen)
}

// DoMultiPartWriteWithRetry performs one fragment of a multi-part DDC write
// (e.g. table write) with adaptive retry.
func (e *Engine) DoMultiPartWriteWithRetry(bus registry.BusPath, request []byte) (retrypolicy.Status, error) {
	var status, _, err = e.doWithRetry(bus, false, retrypolicy.MultiPartWrite, request, 0)

	return status, err
}
