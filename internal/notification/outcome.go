package notification

import (
	"net/http"
	"strconv"
	"time"
)

// Outcome classifies one delivery attempt.
type Outcome int

const (
	// OutcomeSent means the push service accepted the message.
	OutcomeSent Outcome = iota
	// OutcomeTransient covers network errors, throttling and server errors.
	OutcomeTransient
	// OutcomeGone means the endpoint will never accept delivery again.
	OutcomeGone
	// OutcomeRejected is any other client error; retrying would not help.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeTransient:
		return "transient"
	case OutcomeGone:
		return "gone"
	case OutcomeRejected:
		return "rejected"
	}
	return "unknown"
}

// Classify maps a push service status code to an Outcome.
func Classify(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return OutcomeSent
	case status == http.StatusNotFound || status == http.StatusGone:
		return OutcomeGone
	case status == http.StatusTooManyRequests || status >= 500:
		return OutcomeTransient
	default:
		return OutcomeRejected
	}
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
