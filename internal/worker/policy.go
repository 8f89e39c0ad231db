package worker

// Decision is what the outcome policy tells the worker loop to do with the
// current task and proxy after one processing attempt.
type Decision struct {
	Terminal bool         // record a result and complete the task
	Rotate   bool         // blocked-increment the current proxy and claim a fresh one
	Status   ResultStatus // set only when Terminal
}

// Decide maps an outcome classification to a terminal/retry/rotate decision.
//
// Proxy-level signals (hard blocks, unresolved challenges) rotate the proxy;
// content-level signals keep it so the next attempt reuses the same session.
// A resolved challenge proves the proxy good, so nothing after one rotates.
// Only content_found and content_removed are terminal — everything else goes
// back through the attempt counter.
func Decide(o Outcome) Decision {
	switch o.Classification {
	case ClassContentFound:
		return Decision{Terminal: true, Status: ResultStatusSuccess}
	case ClassContentRemoved:
		return Decision{Terminal: true, Status: ResultStatusUnavailable}
	case ClassBlockedHard, ClassRateLimited:
		if o.ChallengeResolved {
			return Decision{}
		}
		return Decision{Rotate: true}
	default:
		// extraction_failed, unexpected, and anything after a resolved
		// challenge that did not land on a card: plain retry.
		return Decision{}
	}
}

// BuildResult assembles the result row for a terminal decision. Attempts
// carries the failure-counter value at completion; the terminal attempt
// itself never goes through the counter.
func BuildResult(task *Task, o Outcome, d Decision, workerID string) *Result {
	return &Result{
		ItemID:        task.ItemID,
		Status:        d.Status,
		FailureReason: o.FailureReason,
		WorkerID:      workerID,
		Attempts:      task.Attempts,
		Record:        o.Record,
	}
}
