package oauth

import (
	"net/http"
	"strconv"
	"time"
)

const (
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"

	// Reset values above this are unix timestamps, below it seconds from now.
	epochThreshold = 1_000_000_000
)

// RateLimitFromHeaders reads the provider quota headers of a response. ok is
// false when either header is missing or malformed.
func RateLimitFromHeaders(header http.Header, now time.Time) (remaining int, resetAt time.Time, ok bool) {
	remaining, err := strconv.Atoi(header.Get(HeaderRateLimitRemaining))
	if err != nil {
		return 0, time.Time{}, false
	}

	reset, err := strconv.ParseInt(header.Get(HeaderRateLimitReset), 10, 64)
	if err != nil || reset < 0 {
		return 0, time.Time{}, false
	}

	if reset >= epochThreshold {
		return remaining, time.Unix(reset, 0), true
	}

	return remaining, now.Add(time.Duration(reset) * time.Second), true
}
