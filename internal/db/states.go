package db

type (
	// ConversationState is one step of the report or appeal intake flow.
	ConversationState string

	// ReviewState is one step of a staff member's denial follow-up flow.
	ReviewState string
)

const (
	StateNone                ConversationState = "none"
	StateReportGetUser       ConversationState = "report_getuser"
	StateReportGetSummary    ConversationState = "report_getsummary"
	StateReportGetAmount     ConversationState = "report_getamount"
	StateReportAwaitingProof ConversationState = "report_awaitingproof"
	StateAppealAwaitingProof ConversationState = "appeal_awaitingproof"
)

const (
	ReviewNone         ReviewState = "none"
	ReviewReportReason ReviewState = "report_reason"
	ReviewAppealReason ReviewState = "appeal_reason"
)

// conversationTransitions is the explicit transition table for the intake
// flow. Cancelling, restarting /report and restarting /appeal are valid from
// every state and therefore appear in every row.
var conversationTransitions = map[ConversationState][]ConversationState{
	StateNone:                {StateReportGetUser, StateAppealAwaitingProof},
	StateReportGetUser:       {StateNone, StateReportGetUser, StateAppealAwaitingProof, StateReportGetSummary},
	StateReportGetSummary:    {StateNone, StateReportGetUser, StateAppealAwaitingProof, StateReportGetAmount},
	StateReportGetAmount:     {StateNone, StateReportGetUser, StateAppealAwaitingProof, StateReportAwaitingProof},
	StateReportAwaitingProof: {StateNone, StateReportGetUser, StateAppealAwaitingProof},
	StateAppealAwaitingProof: {StateNone, StateReportGetUser, StateAppealAwaitingProof},
}

// CanTransition reports whether the transition table allows moving from s to
// the target state.
func (s ConversationState) CanTransition(to ConversationState) bool {
	if s == "" {
		s = StateNone
	}
	for _, allowed := range conversationTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AwaitingProof reports whether the state accepts forwarded evidence.
func (s ConversationState) AwaitingProof() bool {
	return s == StateReportAwaitingProof || s == StateAppealAwaitingProof
}
