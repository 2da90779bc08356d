package domain

import (
	"encoding/json"
	"strings"
)

// CompletionKind tags the variant held by a CompletionResult.
type CompletionKind int

const (
	// CompletionSync carries a complete answer from a request/response call.
	CompletionSync CompletionKind = iota
	// CompletionStreamChunk carries one decoded event from a streaming call.
	CompletionStreamChunk
)

// StreamEventWorkflowFinished is the terminal streaming event holding the answer.
const StreamEventWorkflowFinished = "workflow_finished"

// CompletionResult is either Sync(answer) or StreamChunk(event, data).
type CompletionResult struct {
	Kind   CompletionKind
	Answer string
	Event  string
	Data   json.RawMessage
}

// SyncResult builds the Sync variant.
func SyncResult(answer string) CompletionResult {
	return CompletionResult{Kind: CompletionSync, Answer: answer}
}

// StreamChunk builds the StreamChunk variant.
func StreamChunk(event string, data json.RawMessage) CompletionResult {
	return CompletionResult{Kind: CompletionStreamChunk, Event: event, Data: data}
}

// FinalAnswer extracts the answer the result carries, if any.
// Sync answers are trimmed; a stream chunk only answers when it is the
// terminal workflow event with data.outputs.answer set.
func (r CompletionResult) FinalAnswer() (string, bool) {
	switch r.Kind {
	case CompletionSync:
		answer := strings.TrimSpace(r.Answer)
		return answer, answer != ""
	case CompletionStreamChunk:
		if r.Event != StreamEventWorkflowFinished || len(r.Data) == 0 {
			return "", false
		}
		var data struct {
			Outputs struct {
				Answer *string `json:"answer"`
			} `json:"outputs"`
		}
		if json.Unmarshal(r.Data, &data) != nil || data.Outputs.Answer == nil {
			return "", false
		}
		answer := *data.Outputs.Answer
		return answer, strings.TrimSpace(answer) != ""
	}
	return "", false
}
