package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"1m", time.Minute},
		{"5m", 5 * time.Minute},
		{"15m", 15 * time.Minute},
		{"30m", 30 * time.Minute},
		{"1h", time.Hour},
		{"4h", 4 * time.Hour},
		{"1d", 24 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			iv, err := ParseInterval(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, iv.Duration())
			assert.Equal(t, tt.raw, iv.String())
		})
	}
}

func TestParseIntervalRejectsUnknown(t *testing.T) {
	for _, raw := range []string{"", "2m", "1M", "1w", "60s"} {
		_, err := ParseInterval(raw)
		assert.Error(t, err, "interval %q", raw)
	}
}
