package processor

// Outcome classifies what happened to one event or one subscriber delivery.
type Outcome string

const (
	// Event level.
	OutcomeProcessed      Outcome = "processed"
	OutcomeSkippedExpired Outcome = "skipped-expired"
	OutcomeIgnored        Outcome = "ignored-non-insert"
	OutcomeInvalid        Outcome = "invalid"

	// Subscriber level.
	OutcomeDelivered   Outcome = "delivered"
	OutcomeNoResult    Outcome = "no-result"
	OutcomeNotIterable Outcome = "not-iterable"

	// Both levels.
	OutcomeFailed Outcome = "failed"
)

type SubscriberReport struct {
	SubscriptionID string
	ConnectionID   string
	OperationID    string
	Outcome        Outcome
	Err            error
}

type EventReport struct {
	EventID     string
	Name        string
	Outcome     Outcome
	Pages       int
	Subscribers []SubscriberReport
	Err         error
}

// Report is the result of one batch. It is informational only; Handle
// never turns it into an error.
type Report struct {
	Events []EventReport
}

// Count returns how many events and subscriber deliveries ended with o.
func (r Report) Count(o Outcome) int {
	n := 0
	for _, e := range r.Events {
		if e.Outcome == o {
			n++
		}
		for _, s := range e.Subscribers {
			if s.Outcome == o {
				n++
			}
		}
	}
	return n
}
