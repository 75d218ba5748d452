package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFrameBytes(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		rate     int
		channels int
		expected int
	}{
		{
			name:     "Mono at 8kHz for 20ms",
			duration: 20 * time.Millisecond,
			rate:     8000,
			channels: 1,
			expected: 320, // 0.02s * 8000 * 2 bytes = 320
		},
		{
			name:     "Mono at 16kHz for 100ms",
			duration: 100 * time.Millisecond,
			rate:     16000,
			channels: 1,
			expected: 3200,
		},
		{
			name:     "Stereo at 8kHz for 1s",
			duration: time.Second,
			rate:     8000,
			channels: 2,
			expected: 32000,
		},
		{
			name:     "Zero duration",
			duration: 0,
			rate:     8000,
			channels: 1,
			expected: 0,
		},
		{
			name:     "Zero rate",
			duration: time.Second,
			rate:     0,
			channels: 1,
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FrameBytes(tt.duration, tt.rate, tt.channels))
		})
	}
}

func TestFrameDuration(t *testing.T) {
	tests := []struct {
		name     string
		n        int
		rate     int
		channels int
		expected time.Duration
	}{
		{
			name:     "320 bytes mono at 8kHz",
			n:        320,
			rate:     8000,
			channels: 1,
			expected: 20 * time.Millisecond,
		},
		{
			name:     "3200 bytes mono at 16kHz",
			n:        3200,
			rate:     16000,
			channels: 1,
			expected: 100 * time.Millisecond,
		},
		{
			name:     "Zero bytes",
			n:        0,
			rate:     8000,
			channels: 1,
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FrameDuration(tt.n, tt.rate, tt.channels))
		})
	}
}
