package types

// RejectReason explains why a claim was not accepted
type RejectReason string

const (
	ReasonExpired     RejectReason = "expired"
	ReasonDuplicate   RejectReason = "duplicate"
	ReasonWrongCode   RejectReason = "wrong-code"
	ReasonNotEnrolled RejectReason = "not-enrolled"
)

var reasonMessages = map[RejectReason]string{
	ReasonExpired:     "Session has expired",
	ReasonDuplicate:   "Already submitted for this session",
	ReasonWrongCode:   "Invalid code",
	ReasonNotEnrolled: "You are not enrolled in this course",
}

// AcceptedMessage is returned to the student on success
const AcceptedMessage = "Attendance marked successfully"

// Message returns the user-facing text for the reason
func (r RejectReason) Message() string {
	if msg, ok := reasonMessages[r]; ok {
		return msg
	}
	return string(r)
}

// Outcome is the result of a submission. Business rejections are outcomes, not errors.
type Outcome struct {
	Accepted bool             `json:"accepted"`
	Reason   RejectReason     `json:"reason,omitempty"`
	Entry    *AttendanceEntry `json:"entry,omitempty"`
}

// Accepted builds an accepted outcome
func Accepted(entry *AttendanceEntry) Outcome {
	return Outcome{Accepted: true, Entry: entry}
}

// Rejected builds a rejected outcome
func Rejected(reason RejectReason) Outcome {
	return Outcome{Reason: reason}
}

// Message returns the user-facing text for the outcome
func (o Outcome) Message() string {
	if o.Accepted {
		return AcceptedMessage
	}
	return o.Reason.Message()
}
