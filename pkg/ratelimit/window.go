// Package ratelimit buckets requests into fixed windows and counts them.
package ratelimit

// ComputeWindowStart returns the start of the fixed window containing
// timestampSeconds: the largest multiple of windowSizeSeconds not greater than
// it. Window sizes below one second are treated as one second.
func ComputeWindowStart(timestampSeconds, windowSizeSeconds int64) int64 {
	if windowSizeSeconds < 1 {
		windowSizeSeconds = 1
	}
	start := (timestampSeconds / windowSizeSeconds) * windowSizeSeconds
	// Go division truncates toward zero; step back one window for negative
	// timestamps that are not already on a boundary.
	if start > timestampSeconds {
		start -= windowSizeSeconds
	}
	return start
}
