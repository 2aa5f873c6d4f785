package profile

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sensorLength = 3648

func spike(n, at int, height float64) []float64 {
	p := make([]float64, n)
	p[at] = height
	return p
}

func TestNewProcessorValidates(t *testing.T) {
	_, err := NewProcessor(0)
	assert.Error(t, err)
	_, err = NewProcessor(10, WithOversamples(0))
	assert.Error(t, err)
	_, err = NewProcessor(10, WithHistoryCap(-1))
	assert.Error(t, err)
}

func TestEndToEndPeak(t *testing.T) {
	p, err := NewProcessor(sensorLength)
	require.NoError(t, err)
	require.NoError(t, p.SetBackground(make([]float64, sensorLength)))

	prof, peak, err := p.Process(spike(sensorLength, 1824, 40000))
	require.NoError(t, err)
	assert.Equal(t, 1824, peak)
	assert.Len(t, prof, sensorLength)
	assert.Equal(t, []int{1824}, p.PeakHistory())

	last, ok := p.LastPeak()
	assert.True(t, ok)
	assert.Equal(t, 1824, last)
}

func TestUpdateAveragesOversampleRing(t *testing.T) {
	p, err := NewProcessor(4, WithOversamples(2))
	require.NoError(t, err)

	got, err := p.Update([]float64{2, 4, 6, 8})
	require.NoError(t, err)
	// the second ring row is still zero
	assert.Equal(t, []float64{1, 2, 3, 4}, got)

	got, err = p.Update([]float64{4, 4, 4, 4})
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4, 5, 6}, got)

	// the write index wraps and overwrites the oldest row
	got, err = p.Update([]float64{0, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 2, 2, 2}, got)
	assert.Equal(t, got, p.CurrentProfile())
}

func TestUpdateSubtractsBackground(t *testing.T) {
	p, err := NewProcessor(3, WithOversamples(1))
	require.NoError(t, err)
	require.NoError(t, p.SetBackground([]float64{1, 1, 10}))

	got, err := p.Update([]float64{5, 5, 5})
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 4, -5}, got)

	p.ClearBackground()
	assert.Equal(t, []float64{0, 0, 0}, p.Background())
	got, err = p.Update([]float64{5, 5, 5})
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 5, 5}, got)
}

func TestLengthMismatch(t *testing.T) {
	p, err := NewProcessor(8)
	require.NoError(t, err)

	_, err = p.Update(make([]float64, 7))
	assert.True(t, errors.Is(err, ErrLength))
	assert.ErrorIs(t, p.SetBackground(make([]float64, 9)), ErrLength)
}

func TestSetSmoothingResizesAndClearsRing(t *testing.T) {
	p, err := NewProcessor(100, WithOversamples(3))
	require.NoError(t, err)
	_, err = p.Update(spike(100, 50, 9))
	require.NoError(t, err)

	require.NoError(t, p.SetSmoothing(1))
	assert.Equal(t, 1.0, p.Sigma())
	assert.Equal(t, 100-9+1, p.OutputLength())
	assert.Len(t, p.CurrentProfile(), 92)

	got, err := p.Update(make([]float64, 100))
	require.NoError(t, err)
	// earlier data was discarded with the old ring
	assert.Equal(t, make([]float64, 92), got)

	// smoothing keeps a spike's peak at its kernel-centred position
	p2, err := NewProcessor(100, WithOversamples(1))
	require.NoError(t, err)
	require.NoError(t, p2.SetSmoothing(2))
	_, peak, err := p2.Process(spike(100, 50, 100))
	require.NoError(t, err)
	assert.Equal(t, 50-8, peak)

	require.NoError(t, p.SetSmoothing(0))
	assert.Equal(t, 100, p.OutputLength())
}

func TestSetSmoothingRejects(t *testing.T) {
	p, err := NewProcessor(10)
	require.NoError(t, err)
	assert.ErrorIs(t, p.SetSmoothing(-1), ErrInvalidSigma)
	assert.ErrorIs(t, p.SetSmoothing(5), ErrInvalidSigma)
	assert.Equal(t, 0.0, p.Sigma())
}

func TestPeakHistoryEviction(t *testing.T) {
	p, err := NewProcessor(2000)
	require.NoError(t, err)

	for i := 0; i < 1001; i++ {
		p.RecordPeak(spike(2000, i, 1))
	}
	hist := p.PeakHistory()
	require.Len(t, hist, 1000)
	assert.Equal(t, 1, hist[0], "the first entry should have been evicted")
	assert.Equal(t, 1000, hist[len(hist)-1])
}

func TestRecordPeakTiesAndEmpty(t *testing.T) {
	p, err := NewProcessor(4, WithHistoryCap(2))
	require.NoError(t, err)

	assert.Equal(t, 1, p.RecordPeak([]float64{0, 3, 3, 1}))
	assert.Equal(t, -1, p.RecordPeak(nil))
	p.RecordPeak([]float64{0, 0, 0, 9})
	p.RecordPeak([]float64{9, 0, 0, 0})
	if diff := cmp.Diff([]int{3, 0}, p.PeakHistory()); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}
