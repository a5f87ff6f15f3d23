package util

import "time"

func AsInt32(i int) int32 {
	if i > 2147483647 {
		return 2147483647
	}
	if i < -2147483648 {
		return -2147483648
	}
	// #nosec G115 - bounded by explicit check
	return int32(i)
}

// AsInt32FromInt64 converts int64 to int32 with bounds checking
func AsInt32FromInt64(i int64) int32 {
	const maxInt32 = int64(2147483647)
	const minInt32 = int64(-2147483648)
	if i > maxInt32 {
		return int32(maxInt32)
	}
	if i < minInt32 {
		return int32(minInt32)
	}
	// #nosec G115 - bounded by explicit check
	return int32(i)
}

// Seconds converts a duration to whole seconds for configs expressed in seconds. Any
// positive duration below one second rounds up to 1 so it isn't mistaken for unset.
func Seconds(d time.Duration) int32 {
	if d > 0 && d < time.Second {
		return 1
	}
	return AsInt32FromInt64(int64(d / time.Second))
}
