package apiclient

import (
	"strconv"
	"strings"
	"time"
)

// cacheControl holds the Cache-Control directives that affect response caching.
type cacheControl struct {
	maxAge  *int
	sMaxAge *int
	noCache bool
	noStore bool
}

// parseCacheControl reads max-age, s-maxage, no-cache and no-store from a
// Cache-Control header. Unknown directives and malformed ages are ignored.
func parseCacheControl(header string) cacheControl {
	var cc cacheControl
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, hasValue := strings.Cut(part, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if !hasValue {
			switch key {
			case "no-cache":
				cc.noCache = true
			case "no-store":
				cc.noStore = true
			}
			continue
		}
		seconds, err := strconv.Atoi(strings.Trim(strings.TrimSpace(value), `"`))
		if err != nil || seconds < 0 {
			continue
		}
		switch key {
		case "max-age":
			cc.maxAge = &seconds
		case "s-maxage":
			cc.sMaxAge = &seconds
		}
	}
	return cc
}

// effectiveTTL caps requested by the header's directives. Zero means the
// response must not be stored.
func effectiveTTL(requested time.Duration, header string) time.Duration {
	cc := parseCacheControl(header)
	if cc.noStore || cc.noCache {
		return 0
	}
	age := cc.sMaxAge
	if age == nil {
		age = cc.maxAge
	}
	if age == nil {
		return requested
	}
	return min(requested, time.Duration(*age)*time.Second)
}
