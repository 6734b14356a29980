package models

// OutcomeKind distinguishes the three results a worker can report.
type OutcomeKind string

const (
	OutcomeSuccess            OutcomeKind = "success"
	OutcomeVerificationFailed OutcomeKind = "verification_failed"
	OutcomeError              OutcomeKind = "error"
)

// Reason is a classified failure cause. Code drives retry classification;
// Message is free text for humans.
type Reason struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (r Reason) String() string {
	if r.Message == "" {
		return r.Code
	}
	return r.Code + ": " + r.Message
}

// Outcome is the result of one worker execution.
type Outcome struct {
	Kind     OutcomeKind    `json:"kind"`
	Artifact string         `json:"artifact,omitempty"`
	Reason   Reason         `json:"reason,omitempty"`
	Feedback []FeedbackItem `json:"feedback,omitempty"`
}

// Success reports a finished execution that produced artifact.
func Success(artifact string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Artifact: artifact}
}

// VerificationFailed reports that the worker's own checks rejected its output.
func VerificationFailed(reason Reason, feedback []FeedbackItem) Outcome {
	if reason.Code == "" {
		reason.Code = "verification_failed"
	}
	return Outcome{Kind: OutcomeVerificationFailed, Reason: reason, Feedback: feedback}
}

// Failure reports an execution error.
func Failure(reason Reason) Outcome {
	if reason.Code == "" {
		reason.Code = "worker_error"
	}
	return Outcome{Kind: OutcomeError, Reason: reason}
}

// VerdictStatus is the sentinel's pass/fail decision.
type VerdictStatus string

const (
	VerdictPassed VerdictStatus = "passed"
	VerdictFailed VerdictStatus = "failed"
)

// Verdict is what a Verifier returns for a submitted artifact.
type Verdict struct {
	Status   VerdictStatus  `json:"status"`
	Reason   Reason         `json:"reason,omitempty"`
	Feedback []FeedbackItem `json:"feedback,omitempty"`
}
