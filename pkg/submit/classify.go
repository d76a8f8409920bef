package submit

import "strings"

// Classification buckets a submission failure for the retry policy.
type Classification int

const (
	// NonRetryable failures abandon the task after the failing attempt.
	NonRetryable Classification = iota
	// RetryableTransient failures wait out the backoff and try again.
	RetryableTransient
	// RetryableConnection failures additionally trigger a full session
	// reconnect before the next attempt.
	RetryableConnection
)

func (c Classification) Retryable() bool {
	return c == RetryableTransient || c == RetryableConnection
}

func (c Classification) String() string {
	switch c {
	case RetryableTransient:
		return "transient"
	case RetryableConnection:
		return "connection"
	default:
		return "non-retryable"
	}
}

// The ledger reports failures as free-text messages; these are the known
// message fragments, matched case-sensitively. Connection patterns are checked
// first so a message matching both buckets still triggers the reconnect.
var (
	connectionPatterns = []string{
		"disconnected",
		"Abnormal Closure",
		"not found in session",
	}
	transientPatterns = []string{
		"Priority is too low",
		"already in the pool",
		"timeout",
		"Connection",
		"1014:",
	}
)

// Classify maps a submission failure onto the retry policy. This substring
// table is the single place that interprets the ledger's unstructured error
// channel; a structured error channel can replace it without touching the
// retry loop.
func Classify(err error) Classification {
	if err == nil {
		return NonRetryable
	}
	msg := err.Error()
	for _, p := range connectionPatterns {
		if strings.Contains(msg, p) {
			return RetryableConnection
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return RetryableTransient
		}
	}
	return NonRetryable
}
