package worker

// outcomeKind classifies how a job ended, mirroring the error-policy table:
// completed work, policy skips, permanent abandonment, transient retries,
// and silent aborts for runs that are gone or no longer active.
type outcomeKind int

const (
	// kindCompleted: page persisted (or tolerated duplicate); ack+release.
	kindCompleted outcomeKind = iota
	// kindSkipped: finished without persisting (404, retention window,
	// operator skip); ack+release, logged as skipped.
	kindSkipped
	// kindAbandoned: policy violation (robots, redirect loop, unsolvable
	// captcha); ack+release permanently, never retried.
	kindAbandoned
	// kindRetry: transient failure; the job stays pending and is reclaimed
	// after the stall timeout, up to the retry budget.
	kindRetry
	// kindDeferred: run is paused; the job stays pending untouched and is
	// redelivered once the run resumes.
	kindDeferred
	// kindAborted: run is stopped or gone; ack+release without persisting.
	kindAborted
)

// outcome is the terminal classification of one job execution.
type outcome struct {
	kind   outcomeKind
	reason string // skip/abandon reason for the run log
	err    error  // underlying error for retries
}

func completed() outcome              { return outcome{kind: kindCompleted} }
func skipped(reason string) outcome   { return outcome{kind: kindSkipped, reason: reason} }
func abandoned(reason string) outcome { return outcome{kind: kindAbandoned, reason: reason} }
func retry(err error) outcome         { return outcome{kind: kindRetry, err: err} }
func deferred() outcome               { return outcome{kind: kindDeferred} }
func aborted() outcome                { return outcome{kind: kindAborted} }
