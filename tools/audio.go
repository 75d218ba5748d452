// Package tools holds small audio math helpers shared by the relay and its
// callers.
package tools

import "time"

const bytesPerSample = 2 // 16-bit little-endian PCM

// FrameBytes returns the number of PCM bytes covering the given duration at
// the given sample rate and channel count. Returns 0 for non-positive inputs.
func FrameBytes(duration time.Duration, rate, channels int) int {
	if duration <= 0 || rate <= 0 || channels <= 0 {
		return 0
	}
	samples := int(duration.Seconds() * float64(rate) * float64(channels))
	return samples * bytesPerSample
}

// FrameDuration returns how much wall-clock audio n PCM bytes represent at
// the given sample rate and channel count.
func FrameDuration(n, rate, channels int) time.Duration {
	if n <= 0 || rate <= 0 || channels <= 0 {
		return 0
	}
	samples := n / bytesPerSample
	return time.Duration(float64(samples) / float64(rate*channels) * float64(time.Second))
}
