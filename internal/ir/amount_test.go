package ir

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScaleAmount(t *testing.T) {
	got, err := ScaleAmount(1000, 9)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000_000_000), got)

	got, err = ScaleAmount(7, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got)

	_, err = ScaleAmount(math.MaxUint64, 1)
	assert.Error(t, err)
}

func TestSumAmounts(t *testing.T) {
	got, err := SumAmounts(1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), got)

	_, err = SumAmounts(math.MaxUint64, 1)
	assert.Error(t, err)
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "1.5", FormatAmount(1_500_000_000, 9))
	assert.Equal(t, "42", FormatAmount(42, 0))
}
