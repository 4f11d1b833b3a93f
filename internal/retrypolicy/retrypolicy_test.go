package retrypolicy_test

import (
	"testing"

	"github.com/kgretry/ddcadapt/internal/retrypolicy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPolicyInstallsDefaults(t *testing.T) {
	var p = retrypolicy.NewPolicy()

	assert.Equal(t, 4, p.GetMaxTries(retrypolicy.WriteOnly))
	assert.Equal(t, 4, p.GetMaxTries(retrypolicy.WriteRead))
	assert.Equal(t, 8, p.GetMaxTries(retrypolicy.MultiPartRead))
	assert.Equal(t, 8, p.GetMaxTries(retrypolicy.MultiPartWrite))
}

func TestSetMaxTriesTracksExtremes(t *testing.T) {
	var p = retrypolicy.NewPolicy()

	p.SetMaxTries(retrypolicy.WriteRead, 2)
	p.SetMaxTries(retrypolicy.WriteRead, 6)

	var b = p.Budgets(retrypolicy.WriteRead)
	assert.Equal(t, 6, b.Current)
	assert.Equal(t, 6, b.HighestEver)
	assert.Equal(t, 2, b.LowestEver)
}

func TestSetMaxTriesRejectsOutOfRange(t *testing.T) {
	var p = retrypolicy.NewPolicy()

	assert.Panics(t, func() { p.SetMaxTries(retrypolicy.WriteRead, 0) })
	assert.Panics(t, func() { p.SetMaxTries(retrypolicy.WriteRead, retrypolicy.MaxMaxTries+1) })
}

func TestRecordAttemptHistogramBuckets(t *testing.T) {
	var p = retrypolicy.NewPolicy()

	p.RecordAttempt(retrypolicy.WriteRead, retrypolicy.Ok, 1)
	p.RecordAttempt(retrypolicy.WriteRead, retrypolicy.Ok, 3)
	p.RecordAttempt(retrypolicy.WriteRead, retrypolicy.RetriesExhausted, 4)
	p.RecordAttempt(retrypolicy.WriteRead, retrypolicy.AllTriesZero, 4)
	p.RecordAttempt(retrypolicy.WriteRead, retrypolicy.IoFatal, 1)

	var h = p.Histogram(retrypolicy.WriteRead)
	require.Len(t, h, retrypolicy.HistogramSize)
	assert.Equal(t, 1, h[0], "fatal bucket")
	assert.Equal(t, 2, h[1], "retries-exhausted + all-tries-zero bucket")
	assert.Equal(t, 1, h[2], "succeeded on try 1")
	assert.Equal(t, 1, h[4], "succeeded on try 3")

	assert.Equal(t, 5, p.GetTotalTriesForClass(retrypolicy.WriteRead))
	assert.Equal(t, 4, p.HighestNonZeroIndex(retrypolicy.WriteRead))
}

func TestHighestNonZeroIndexEmpty(t *testing.T) {
	var p = retrypolicy.NewPolicy()

	assert.Equal(t, -1, p.HighestNonZeroIndex(retrypolicy.WriteOnly))
}

func TestClassifyDispositions(t *testing.T) {
	assert.Equal(t, retrypolicy.Success, retrypolicy.Classify(retrypolicy.Ok))
	assert.Equal(t, retrypolicy.Retryable, retrypolicy.Classify(retrypolicy.DdcDataError))
	assert.Equal(t, retrypolicy.Retryable, retrypolicy.Classify(retrypolicy.IoTransient))
	assert.Equal(t, retrypolicy.Retryable, retrypolicy.Classify(retrypolicy.AllTriesZero))
	assert.Equal(t, retrypolicy.Fatal, retrypolicy.Classify(retrypolicy.IoFatal))
	assert.Equal(t, retrypolicy.Fatal, retrypolicy.Classify(retrypolicy.DeviceNotFound))
	assert.Equal(t, retrypolicy.Fatal, retrypolicy.Classify(retrypolicy.PermissionDenied))
	assert.Equal(t, retrypolicy.Fatal, retrypolicy.Classify(retrypolicy.FeatureUnsupported))
}
