package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `Date,Open,High,Low,Close,Volume
2024-11-04,571.29,573.20,569.86,571.04,38212100
2024-11-05,575.09,576.84,573.31,576.70,41447800
`

func TestPriceBarsFromCSV(t *testing.T) {
	t.Parallel()

	ingestedAt := time.Date(2024, 11, 6, 9, 0, 0, 0, time.UTC)
	bars, err := PriceBarsFromCSV([]byte(sampleCSV), "SPY.US", "run_1", ingestedAt)
	require.NoError(t, err)
	require.Len(t, bars, 2)

	assert.Equal(t, "SPY_US", bars[0].Symbol)
	assert.Equal(t, "2024-11-04", bars[0].Date)
	assert.InDelta(t, 571.29, bars[0].Open, 1e-9)
	assert.InDelta(t, 571.04, bars[0].Close, 1e-9)
	assert.InDelta(t, 38212100, bars[0].Volume, 1e-9)
	assert.Equal(t, ingestedAt, bars[0].IngestedAt)
	assert.Equal(t, "run_1", bars[0].RunID)
}

func TestPriceBarsFromCSVMissingColumn(t *testing.T) {
	t.Parallel()

	_, err := PriceBarsFromCSV([]byte("Date,Open,High,Low\n2024-11-04,1,2,0.5\n"), "SPY", "run_1", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"close"`)
}

func TestPriceBarsFromCSVBadNumber(t *testing.T) {
	t.Parallel()

	csv := "Date,Open,High,Low,Close\n2024-11-04,abc,2,0.5,1\n"
	_, err := PriceBarsFromCSV([]byte(csv), "SPY", "run_1", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid number")
}

func TestPriceBarsFromCSVNoVolume(t *testing.T) {
	t.Parallel()

	csv := "Date,Open,High,Low,Close\n2024-11-04,1,2,0.5,1.5\n"
	bars, err := PriceBarsFromCSV([]byte(csv), "SPY", "run_1", time.Now())
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Zero(t, bars[0].Volume)
}

func TestNormalizeSymbol(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "SPY_US", NormalizeSymbol("SPY.US"))
	assert.Equal(t, "SPX", NormalizeSymbol("^SPX"))
	assert.Equal(t, "VOO", NormalizeSymbol("VOO"))
}
