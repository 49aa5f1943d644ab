package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		name     string
		bytes    int64
		expected string
	}{
		{"bytes", 500, "500 B"},
		{"kilobytes", 1500, "1.5 KB"},
		{"megabytes", 1500000, "1.4 MB"},
		{"gigabytes", 1500000000, "1.4 GB"},
		{"terabytes", 1500000000000, "1.4 TB"},
		{"zero bytes", 0, "0 B"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatSize(tt.bytes))
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		d        time.Duration
		expected string
	}{
		{"seconds only", 42 * time.Second, "42s"},
		{"minutes and seconds", 3*time.Minute + 5*time.Second, "3m5s"},
		{"hours", 2*time.Hour + 30*time.Minute + time.Second, "2h30m1s"},
		{"sub-second rounds up", 800 * time.Millisecond, "1s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatDuration(tt.d))
		})
	}
}

func TestFormatSpeed(t *testing.T) {
	tests := []struct {
		name     string
		speed    float64
		expected string
	}{
		{"bytes per second", 512, "512.0 B/s"},
		{"kilobytes per second", 1536, "1.5 KB/s"},
		{"megabytes per second", 5 * 1024 * 1024, "5.0 MB/s"},
		{"gigabytes per second", 2 * 1024 * 1024 * 1024, "2.0 GB/s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatSpeed(tt.speed))
		})
	}
}
