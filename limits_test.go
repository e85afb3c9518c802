package weft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLimitsLayers(t *testing.T) {
	defaults := Limits{Turns: 50, Tokens: 1000, Spend: 1, Spawns: 10, Depth: 5, Duration: time.Hour}

	got, err := ResolveLimits(defaults,
		LimitOverrides{Turns: intp(20), Spend: floatp(2)},
		LimitOverrides{Turns: intp(30)},
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, Limits{Turns: 30, Tokens: 1000, Spend: 2, Spawns: 10, Depth: 5, Duration: time.Hour}, got)
}

func TestResolveLimitsParentCeiling(t *testing.T) {
	defaults := Limits{Turns: 50, Spend: 1, Spawns: 10, Depth: 5}
	parent := Limits{Turns: 8, Tokens: 500, Spend: 0.25, Spawns: 0, Depth: 3}

	got, err := ResolveLimits(defaults, LimitOverrides{Depth: intp(10)}, LimitOverrides{}, &parent)
	require.NoError(t, err)
	assert.Equal(t, 8, got.Turns)
	assert.Equal(t, 500, got.Tokens, "an unbounded child takes the parent's ceiling")
	assert.Equal(t, 0.25, got.Spend)
	assert.Equal(t, 10, got.Spawns, "an unbounded parent does not cap")
	assert.Equal(t, 2, got.Depth, "depth always drops by one")
}

func TestResolveLimitsRefusesExhaustedDepth(t *testing.T) {
	parent := Limits{Spend: 1, Depth: 1}
	_, err := ResolveLimits(Limits{Spend: 1, Depth: 5}, LimitOverrides{}, LimitOverrides{}, &parent)
	assert.ErrorIs(t, err, ErrDepthExhausted)
}

func TestResolveLimitsRejectsBadValues(t *testing.T) {
	_, err := ResolveLimits(Limits{Spend: 1, Depth: 2}, LimitOverrides{Turns: intp(-1)}, LimitOverrides{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = ResolveLimits(Limits{Spend: 1, Depth: 2}, LimitOverrides{}, LimitOverrides{Spend: floatp(0)}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLimitsCheck(t *testing.T) {
	l := Limits{Turns: 3, Tokens: 100, Spend: 0.5, Duration: time.Minute}

	tests := []struct {
		name string
		cost Cost
		want string
	}{
		{"under", Cost{Turns: 2, InputTokens: 50, Spend: 0.1}, ""},
		{"turns at ceiling", Cost{Turns: 3}, "turns"},
		{"tokens at ceiling", Cost{InputTokens: 60, OutputTokens: 40}, "tokens"},
		{"spend at ceiling", Cost{Spend: 0.5}, "spend"},
		{"elapsed", Cost{Elapsed: time.Minute}, "duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := l.Check(tt.cost)
			if tt.want == "" {
				assert.Nil(t, ev)
				return
			}
			require.NotNil(t, ev)
			assert.Equal(t, tt.want, ev.Dimension)
		})
	}

	assert.Nil(t, Limits{Spend: 1}.Check(Cost{Turns: 1000}), "zero means unbounded")
}

func TestLimitsRemaining(t *testing.T) {
	l := Limits{Turns: 10, Tokens: 1000, Spend: 1, Spawns: 3, Depth: 4, Duration: time.Hour}
	c := Cost{Turns: 4, InputTokens: 300, OutputTokens: 100, Spend: 0.4, Elapsed: 10 * time.Minute}

	got := l.Remaining(c, 3)
	assert.Equal(t, 6, got.Turns)
	assert.Equal(t, 600, got.Tokens)
	assert.InDelta(t, 0.6, got.Spend, 1e-9)
	assert.Equal(t, 1, got.Spawns, "a spent spawn budget stays bounded")
	assert.Equal(t, 4, got.Depth)
	assert.Equal(t, 50*time.Minute, got.Duration)
}

func TestLimitOverridesApplyAndCap(t *testing.T) {
	base := Limits{Turns: 3, Spend: 0.1, Depth: 2}
	got := LimitOverrides{Turns: intp(9)}.Apply(base)
	assert.Equal(t, 9, got.Turns)
	assert.True(t, LimitOverrides{}.IsZero())

	capped := got.capBy(Limits{Turns: 5, Spend: 0.05, Depth: 1})
	assert.Equal(t, 5, capped.Turns)
	assert.Equal(t, 0.05, capped.Spend)
	assert.Equal(t, 2, capped.Depth, "capBy leaves depth alone")
}
