// Package retrypolicy implements the per-operation-class retry budgets and
// try histograms (spec component C3), and the single classification
// function that both the retry loop and the policy itself consult to turn a
// transport status into success / retryable / fatal.
package retrypolicy

import (
	"fmt"
	"sync"
)

// Class is one of the four DDC operation classes, each with its own retry
// budget and histogram.
type Class int

const (
	WriteOnly Class = iota
	WriteRead
	MultiPartRead
	MultiPartWrite

	classCount
)

func (c Class) String() string {
	switch c {
	case WriteOnly:
		return "WriteOnly"
	case WriteRead:
		return "WriteRead"
	case MultiPartRead:
		return "MultiPartRead"
	case MultiPartWrite:
		return "MultiPartWrite"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// MaxMaxTries is the hard ceiling on any class's retry budget.
const MaxMaxTries = 15

// histogramSize is MAX_MAX_TRIES + 2: index 0 is "failed fatally", index 1
// is "retries exhausted", index k>=2 is "succeeded on try k-1".
const histogramSize = MaxMaxTries + 2

// Status is a classified outcome of one attempt, or the final disposition
// of a retry loop. It mirrors the error taxonomy in spec §7.
type Status int

const (
	Ok Status = iota
	DdcDataError
	IoTransient
	IoFatal
	RetriesExhausted
	AllTriesZero
	DeviceNotFound
	PermissionDenied
	FeatureUnsupported
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "Ok"
	case DdcDataError:
		return "DdcDataError"
	case IoTransient:
		return "IoTransient"
	case IoFatal:
		return "IoFatal"
	case RetriesExhausted:
		return "RetriesExhausted"
	case AllTriesZero:
		return "AllTriesZero"
	case DeviceNotFound:
		return "DeviceNotFound"
	case PermissionDenied:
		return "PermissionDenied"
	case FeatureUnsupported:
		return "FeatureUnsupported"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Disposition is what the retry loop should do with a Status.
type Disposition int

const (
	Success Disposition = iota
	Retryable
	Fatal
)

// Classify maps a transport status to success / retryable / fatal. It is
// the single pure function both the retry loop (continuation decisions) and
// the policy (histogram bucketing) consult, per spec §4.3.
func Classify(s Status) Disposition {
	switch s {
	case Ok:
		return Success
	case DdcDataError, IoTransient, AllTriesZero:
		return Retryable
	case RetriesExhausted:
		// Synthesised only after the loop itself has exhausted the
		// budget; never returned by a transport. Treated as a terminal,
		// non-retryable disposition by definition.
		return Fatal
	case IoFatal, DeviceNotFound, PermissionDenied, FeatureUnsupported:
		return Fatal
	default:
		return Fatal
	}
}

// Budgets holds the current, highest-ever, and lowest-ever max-tries values
// for one class on one display record.
type Budgets struct {
	Current     int
	HighestEver int
	LowestEver  int
}

var defaultsMu sync.Mutex

var defaultMaxTries = [classCount]int{
	WriteOnly:       4,
	WriteRead:       4,
	MultiPartRead:   8,
	MultiPartWrite:  8,
}

// SetDefaultMaxTries changes the default used for newly created records. It
// does not affect any already-created Policy.
func SetDefaultMaxTries(class Class, n int) {
	if n < 1 || n > MaxMaxTries {
		panic(fmt.Sprintf("retrypolicy: default max tries %d out of range [1,%d] for %s", n, MaxMaxTries, class))
	}

	defaultsMu.Lock()
	defaultMaxTries[class] = n
	defaultsMu.Unlock()
}

func defaultFor(class Class) int {
	defaultsMu.Lock()
	defer defaultsMu.Unlock()

	return defaultMaxTries[class]
}

// Policy holds the per-class budgets and try histograms for one display
// record.
type Policy struct {
	mu         sync.Mutex
	budgets    [classCount]Budgets
	histograms [classCount][histogramSize]int
}

// NewPolicy installs the current package-level defaults for all four
// classes.
func NewPolicy() *Policy {
	var p = &Policy{}

	for c := Class(0); c < classCount; c++ {
		var n = defaultFor(c)
		p.budgets[c] = Budgets{Current: n, HighestEver: n, LowestEver: n}
	}

	return p
}

// SetMaxTries sets the current budget for this record, updating
// highest-ever/lowest-ever as needed. Invariant:
// 1 <= lowest_ever <= current <= highest_ever <= MAX_MAX_TRIES.
func (p *Policy) SetMaxTries(class Class, n int) {
	if n < 1 || n > MaxMaxTries {
		panic(fmt.Sprintf("retrypolicy: max tries %d out of range [1,%d] for %s", n, MaxMaxTries, class))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var b = &p.budgets[class]
	b.Current = n
	if n > b.HighestEver {
		b.HighestEver = n
	}
	if n < b.LowestEver {
		b.LowestEver = n
	}
}

// GetMaxTries returns the current budget for class.
func (p *Policy) GetMaxTries(class Class) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.budgets[class].Current
}

// Budgets returns a copy of the budgets for class, for reporting.
func (p *Policy) Budgets(class Class) Budgets {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.budgets[class]
}

// RecordAttempt updates the histogram for class following a completed
// attempt or loop: on Ok it increments index triesUsed+1; on a classified
// retryable exhaustion (RetriesExhausted, AllTriesZero) it increments index
// 1; any other non-ok status increments index 0.
func (p *Policy) RecordAttempt(class Class, status Status, triesUsed int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var h = &p.histograms[class]

	switch {
	case status == Ok:
		var idx = triesUsed + 1
		if idx < 0 || idx >= histogramSize {
			panic(fmt.Sprintf("retrypolicy: try count %d out of histogram range for %s", triesUsed, class))
		}
		h[idx]++
	case status == RetriesExhausted || status == AllTriesZero:
		h[1]++
	default:
		h[0]++
	}
}

// GetTotalTriesForClass returns the sum of the histogram for class, i.e.
// the total number of record_attempt calls for that class.
func (p *Policy) GetTotalTriesForClass(class Class) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var total int
	for _, v := range p.histograms[class] {
		total += v
	}

	return total
}

// HighestNonZeroIndex returns the highest histogram index with a non-zero
// count, or -1 if the histogram is empty. Reporters use this to bound
// output.
func (p *Policy) HighestNonZeroIndex(class Class) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := len(p.histograms[class]) - 1; i >= 0; i-- {
		if p.histograms[class][i] != 0 {
			return i
		}
	}

	return -1
}

// Histogram returns a copy of the raw histogram for class, for reporting
// and cache round-tripping.
func (p *Policy) Histogram(class Class) [histogramSize]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.histograms[class]
}

// HistogramSize exposes histogramSize for callers outside the package (e.g.
// the stats cache) that need to size their own buffers.
const HistogramSize = histogramSize

// ClassCount exposes classCount for callers that need to iterate classes.
const ClassCount = int(classCount)
