package validate

import (
	"context"
	"errors"
	"strings"
)

// transientMarkers are substrings of errors worth retrying within the tier.
// Settled negatives never arrive as errors; the renderer returns those as
// verdicts.
var transientMarkers = []string{
	"timeout",
	"deadline exceeded",
	"net::",
	"connection refused",
	"connection reset",
	"probe failed",
	"temporarily",
	"eof",
	"status 429",
	"status 502",
	"status 503",
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
