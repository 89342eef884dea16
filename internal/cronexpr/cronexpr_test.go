package cronexpr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_EveryMinute(t *testing.T) {
	e, err := Parse("* * * * *")
	require.NoError(t, err)
	assert.True(t, e.Matches(time.Date(2026, 7, 29, 13, 45, 0, 0, time.UTC)))
}

func TestParse_StepFromFieldMinimum(t *testing.T) {
	e, err := Parse("*/15 * * * *")
	require.NoError(t, err)
	assert.True(t, e.Matches(minuteAt(0)))
	assert.True(t, e.Matches(minuteAt(15)))
	assert.True(t, e.Matches(minuteAt(30)))
	assert.True(t, e.Matches(minuteAt(45)))
	assert.False(t, e.Matches(minuteAt(20)))
}

func TestParse_RangeWithStep(t *testing.T) {
	e, err := Parse("0-30/10 * * * *")
	require.NoError(t, err)
	assert.True(t, e.Matches(minuteAt(0)))
	assert.True(t, e.Matches(minuteAt(10)))
	assert.True(t, e.Matches(minuteAt(20)))
	assert.True(t, e.Matches(minuteAt(30)))
	assert.False(t, e.Matches(minuteAt(40)))
}

func TestParse_CommaList(t *testing.T) {
	e, err := Parse("0,15,30,45 * * * *")
	require.NoError(t, err)
	assert.True(t, e.Matches(minuteAt(15)))
	assert.False(t, e.Matches(minuteAt(16)))
}

func TestParse_DowSevenNormalizesToSunday(t *testing.T) {
	e, err := Parse("0 0 * * 7")
	require.NoError(t, err)
	// 2026-08-02 is a Sunday.
	assert.True(t, e.Matches(time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)))
	assert.False(t, e.Matches(time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)))
}

func TestParse_BareStepRejected(t *testing.T) {
	_, err := Parse("/5 * * * *")
	assert.Error(t, err)
}

func TestParse_WrongFieldCount(t *testing.T) {
	_, err := Parse("* * * *")
	assert.Error(t, err)
}

func TestParse_OutOfRange(t *testing.T) {
	_, err := Parse("60 * * * *")
	assert.Error(t, err)
}

func TestParse_InvertedRange(t *testing.T) {
	_, err := Parse("30-10 * * * *")
	assert.Error(t, err)
}

func minuteAt(m int) time.Time {
	return time.Date(2026, 7, 29, 12, m, 0, 0, time.UTC)
}
