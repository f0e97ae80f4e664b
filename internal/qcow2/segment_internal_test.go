package qcow2

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateCoverageAcceptsContiguousSegments(t *testing.T) {
	segs := []Segment{
		{Start: 0, Length: 0x1000},
		{Start: 0x1000, Length: 0x2000},
	}
	require.NoError(t, validateCoverage(segs))
}

func TestValidateCoverageRejectsGap(t *testing.T) {
	segs := []Segment{
		{Start: 0, Length: 0x1000},
		{Start: 0x2000, Length: 0x1000},
	}
	require.Error(t, validateCoverage(segs))
}

func TestValidateCoverageRejectsOverlap(t *testing.T) {
	segs := []Segment{
		{Start: 0, Length: 0x2000},
		{Start: 0x1000, Length: 0x1000},
	}
	require.Error(t, validateCoverage(segs))
}
