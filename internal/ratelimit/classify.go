package ratelimit

import (
	"net/http"
	"regexp"
	"strconv"
	"time"
)

// Reason classifies why the upstream throttled a request.
type Reason string

const (
	ReasonCapacity  Reason = "capacity"
	ReasonQuota     Reason = "quota"
	ReasonRateLimit Reason = "rate-limit"
	ReasonUnknown   Reason = "unknown"
)

var (
	capacityRe  = regexp.MustCompile(`(?i)capacity|overloaded|server\s+busy|service\s+unavailable`)
	quotaRe     = regexp.MustCompile(`(?i)quota|usage\s+limit|billing|insufficient`)
	rateLimitRe = regexp.MustCompile(`(?i)rate\s+limit|too\s+many\s+requests`)
)

// ClassifyReason derives a Reason from the HTTP status and body text.
func ClassifyReason(status int, body string) Reason {
	if status == http.StatusServiceUnavailable || status == 529 || capacityRe.MatchString(body) {
		return ReasonCapacity
	}
	if quotaRe.MatchString(body) {
		return ReasonQuota
	}
	if rateLimitRe.MatchString(body) {
		return ReasonRateLimit
	}
	return ReasonUnknown
}

// ParseRetryAfter extracts a retry delay in milliseconds from response
// headers, falling back to patterns in the error body. Returns 0 when
// nothing usable is found.
func ParseRetryAfter(headers http.Header, body string) int64 {
	var resetMs int64

	if headers != nil {
		// Retry-After-Ms takes precedence when present.
		if ms := headers.Get("Retry-After-Ms"); ms != "" {
			if parsed, err := strconv.ParseInt(ms, 10, 64); err == nil && parsed > 0 {
				resetMs = parsed
			}
		}

		if resetMs == 0 {
			if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
				if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
					resetMs = int64(seconds) * 1000
				} else if t, err := http.ParseTime(retryAfter); err == nil {
					if wait := time.Until(t).Milliseconds(); wait > 0 {
						resetMs = wait
					}
				}
			}
		}

		if resetMs == 0 {
			if ratelimitReset := headers.Get("x-ratelimit-reset"); ratelimitReset != "" {
				if resetTime, err := strconv.ParseInt(ratelimitReset, 10, 64); err == nil {
					wait := resetTime*1000 - time.Now().UnixMilli()
					if wait > 0 {
						resetMs = wait
					}
				}
			}
		}

		if resetMs == 0 {
			if resetAfter := headers.Get("x-ratelimit-reset-after"); resetAfter != "" {
				if seconds, err := strconv.Atoi(resetAfter); err == nil && seconds > 0 {
					resetMs = int64(seconds) * 1000
				}
			}
		}
	}

	if resetMs == 0 && body != "" {
		resetMs = parseResetFromBody(body)
	}

	return resetMs
}

var (
	resetsAtRe     = regexp.MustCompile(`"resets?_at"\s*:\s*(\d+)`)
	resetSecondsRe = regexp.MustCompile(`"resets?_in_seconds"\s*:\s*(\d+)`)
	durationRe     = regexp.MustCompile(`(\d+)h(\d+)m(\d+)s|(\d+)m(\d+)s|(\d+)s`)
	retryAfterRe   = regexp.MustCompile(`(?i)retry\s+(?:after\s+)?(\d+)\s*(?:sec|s\b)`)
)

func parseResetFromBody(msg string) int64 {
	// Structured reset timestamp (seconds or ms since epoch).
	if matches := resetsAtRe.FindStringSubmatch(msg); len(matches) == 2 {
		if at, err := strconv.ParseInt(matches[1], 10, 64); err == nil {
			if at < 2_000_000_000 {
				at *= 1000
			}
			if wait := at - time.Now().UnixMilli(); wait > 0 {
				return wait
			}
		}
	}

	if matches := resetSecondsRe.FindStringSubmatch(msg); len(matches) == 2 {
		if seconds, err := strconv.Atoi(matches[1]); err == nil && seconds > 0 {
			return int64(seconds) * 1000
		}
	}

	// Duration format (1h23m45s, 23m45s, 45s).
	if matches := durationRe.FindStringSubmatch(msg); len(matches) > 0 {
		if matches[1] != "" {
			hours, _ := strconv.Atoi(matches[1])
			minutes, _ := strconv.Atoi(matches[2])
			seconds, _ := strconv.Atoi(matches[3])
			return int64((hours*3600 + minutes*60 + seconds) * 1000)
		} else if matches[4] != "" {
			minutes, _ := strconv.Atoi(matches[4])
			seconds, _ := strconv.Atoi(matches[5])
			return int64((minutes*60 + seconds) * 1000)
		} else if matches[6] != "" {
			seconds, _ := strconv.Atoi(matches[6])
			return int64(seconds * 1000)
		}
	}

	// "retry after N seconds"
	if matches := retryAfterRe.FindStringSubmatch(msg); len(matches) == 2 {
		seconds, _ := strconv.Atoi(matches[1])
		return int64(seconds * 1000)
	}

	return 0
}
