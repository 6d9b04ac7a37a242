//go:build unit

package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseOverrides(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      string
		expected map[string]int
	}{
		{
			name:     "simple list",
			raw:      "receipt.created=8,points.accrued=2",
			expected: map[string]int{"receipt.created": 8, "points.accrued": 2},
		},
		{
			name:     "wildcard entry",
			raw:      "*=3",
			expected: map[string]int{"*": 3},
		},
		{
			name:     "whitespace tolerated",
			raw:      " receipt.created = 8 , *=1 ",
			expected: map[string]int{"receipt.created": 8, "*": 1},
		},
		{
			name:     "malformed entries skipped",
			raw:      "receipt.created=8,broken,noequals,=5,zero=0,neg=-1",
			expected: map[string]int{"receipt.created": 8},
		},
		{
			name:     "empty input",
			raw:      "",
			expected: nil,
		},
		{
			name:     "all malformed",
			raw:      "a,b,c",
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, ParseOverrides(tt.raw))
		})
	}
}

func TestTypeConcurrency(t *testing.T) {
	t.Parallel()

	cfg := DispatcherConfig{
		DefaultConcurrency: 4,
		ConcurrencyOverrides: map[string]int{
			"receipt.created": 8,
			"*":               2,
		},
	}

	assert.Equal(t, 8, cfg.TypeConcurrency("receipt.created"))
	assert.Equal(t, 2, cfg.TypeConcurrency("points.accrued"), "wildcard applies when no exact override")

	cfg.ConcurrencyOverrides = nil

	assert.Equal(t, 4, cfg.TypeConcurrency("receipt.created"))
}

func TestDispatcherConfig_NormalizeFillsDefaults(t *testing.T) {
	t.Parallel()

	cfg := DispatcherConfig{}
	cfg.normalize()

	defaults := DefaultDispatcherConfig()

	assert.Equal(t, defaults.DispatchInterval, cfg.DispatchInterval)
	assert.Equal(t, defaults.BatchSize, cfg.BatchSize)
	assert.Equal(t, defaults.MaxRetries, cfg.MaxRetries)
	assert.Equal(t, defaults.BackoffBase, cfg.BackoffBase)
	assert.Equal(t, defaults.BackoffCap, cfg.BackoffCap)
	assert.Equal(t, defaults.StaleAfter, cfg.StaleAfter)
	assert.Equal(t, defaults.CircuitThreshold, cfg.CircuitThreshold)
	assert.Equal(t, defaults.DefaultConcurrency, cfg.DefaultConcurrency)
	assert.Equal(t, defaults.DeliveryTimeout, cfg.DeliveryTimeout)
}

func TestDispatcherConfig_NormalizeKeepsExplicitValues(t *testing.T) {
	t.Parallel()

	cfg := DispatcherConfig{
		BatchSize:   7,
		MaxRetries:  3,
		BackoffBase: time.Second,
	}
	cfg.normalize()

	assert.Equal(t, 7, cfg.BatchSize)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.BackoffBase)
}
