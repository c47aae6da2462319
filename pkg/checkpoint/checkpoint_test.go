package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDueSchedule(t *testing.T) {
	tests := []struct {
		index    int
		interval int
		want     bool
	}{
		{0, 3, true},
		{1, 3, false},
		{2, 3, true},
		{3, 3, false},
		{4, 3, false},
		{5, 3, true},
		{0, 1, true},
		{1, 1, true},
		{7, 0, false},
		{0, 0, true},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Due(tc.index, tc.interval), "index=%d interval=%d", tc.index, tc.interval)
	}
}

func TestNoopAnalyzer(t *testing.T) {
	a := &NoopAnalyzer{}
	assert.Equal(t, "noop", a.Name())

	cp, err := a.Analyze(context.Background(), Request{IncrementIndex: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, cp.IncrementIndex)
	assert.Empty(t, cp.Summary)
	assert.False(t, cp.CreatedAt.IsZero())
}
