package utils

import (
	"os"
	"unsafe"
)

///////////////////////////////////////////////////////////////////////////////
// Conversion Utilities — Zero-Alloc Casts
///////////////////////////////////////////////////////////////////////////////

// B2s converts a []byte to a string **without** allocation.
// ⚠️ Caller must ensure the input slice remains valid and unchanged.
// Used for human-readable print paths.
//
//go:nosplit
//go:inline
func B2s(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

///////////////////////////////////////////////////////////////////////////////
// Integer Formatting — Stack Buffer, No strconv
///////////////////////////////////////////////////////////////////////////////

// Itoa formats an int from a stack buffer. Matches strconv.Itoa output for
// the full int range, including the minimum value, at a single string
// allocation.
//
//go:inline
func Itoa(n int) string {
	var buf [20]byte
	i := len(buf)
	u := uint64(n)
	if n < 0 {
		u = -u // two's-complement negate handles math.MinInt64
	}
	for {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
		if u == 0 {
			break
		}
	}
	if n < 0 {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

///////////////////////////////////////////////////////////////////////////////
// Warning Output — Direct Stderr Write
///////////////////////////////////////////////////////////////////////////////

// PrintWarning writes msg to stderr without copying it to a heap buffer.
// The string bytes are handed to the descriptor through an unsafe view, so
// the call stays alloc-free for any message length.
//
//go:inline
func PrintWarning(msg string) {
	if len(msg) == 0 {
		return
	}
	_, _ = os.Stderr.Write(unsafe.Slice(unsafe.StringData(msg), len(msg)))
}
