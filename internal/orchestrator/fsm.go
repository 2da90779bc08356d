package orchestrator

import (
	"github.com/qmuntal/stateless"
)

// State is a phase of the conversation view.
type State string

const (
	StateNoChatbotSelected State = "no_chatbot_selected"
	StateSessionsLoading   State = "sessions_loading"
	StateSessionsLoaded    State = "sessions_loaded"
	StateMessagesLoading   State = "messages_loading"
	StateReady             State = "ready"
	StateSending           State = "sending"
)

// Trigger moves the view between states.
type Trigger string

const (
	TriggerSelectChatbot   Trigger = "select_chatbot"
	TriggerSessionsFetched Trigger = "sessions_fetched"
	TriggerSelectSession   Trigger = "select_session"
	TriggerClearSelection  Trigger = "clear_selection"
	TriggerMessagesFetched Trigger = "messages_fetched"
	TriggerSessionCreated  Trigger = "session_created"
	TriggerSend            Trigger = "send"
	TriggerSendCompleted   Trigger = "send_completed"
	TriggerReset           Trigger = "reset"
)

func newStateMachine() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateNoChatbotSelected)

	fsm.Configure(StateNoChatbotSelected).
		Permit(TriggerSelectChatbot, StateSessionsLoading).
		PermitReentry(TriggerReset)

	fsm.Configure(StateSessionsLoading).
		PermitReentry(TriggerSelectChatbot).
		Permit(TriggerSessionsFetched, StateSessionsLoaded).
		Permit(TriggerReset, StateNoChatbotSelected)

	fsm.Configure(StateSessionsLoaded).
		Permit(TriggerSelectChatbot, StateSessionsLoading).
		Permit(TriggerSelectSession, StateMessagesLoading).
		PermitReentry(TriggerClearSelection).
		Permit(TriggerSessionCreated, StateReady).
		Permit(TriggerSend, StateSending).
		Permit(TriggerReset, StateNoChatbotSelected)

	fsm.Configure(StateMessagesLoading).
		Permit(TriggerSelectChatbot, StateSessionsLoading).
		PermitReentry(TriggerSelectSession).
		Permit(TriggerClearSelection, StateSessionsLoaded).
		Permit(TriggerMessagesFetched, StateReady).
		Permit(TriggerSessionCreated, StateReady).
		Permit(TriggerReset, StateNoChatbotSelected)

	fsm.Configure(StateReady).
		Permit(TriggerSelectChatbot, StateSessionsLoading).
		Permit(TriggerSelectSession, StateMessagesLoading).
		Permit(TriggerClearSelection, StateSessionsLoaded).
		PermitReentry(TriggerSessionCreated).
		Permit(TriggerSend, StateSending).
		Permit(TriggerReset, StateNoChatbotSelected)

	// A session switch while a reply is pending leaves the relay running;
	// its reply is dropped from the view by the epoch check.
	fsm.Configure(StateSending).
		Permit(TriggerSelectChatbot, StateSessionsLoading).
		Permit(TriggerSelectSession, StateMessagesLoading).
		Permit(TriggerClearSelection, StateSessionsLoaded).
		PermitReentry(TriggerSessionCreated).
		Permit(TriggerSendCompleted, StateReady).
		Permit(TriggerReset, StateNoChatbotSelected)

	return fsm
}
