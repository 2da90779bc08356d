// Package policy evaluates access rules for sessions, messages and chatbots with OPA.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/xiaot623/difychat/internal/domain"
)

// Action names a guarded operation.
type Action string

const (
	ActionSessionCreate Action = "session.create"
	ActionSessionRead   Action = "session.read"
	ActionSessionDelete Action = "session.delete"
	ActionSessionList   Action = "session.list"
	ActionMessageRead   Action = "message.read"
	ActionMessageCreate Action = "message.create"
	ActionChatbotRead   Action = "chatbot.read"
	ActionChatbotCreate Action = "chatbot.create"
	ActionChatbotDelete Action = "chatbot.delete"
)

// Input is the document the policy sees as `input`.
type Input struct {
	Action   Action   `json:"action"`
	Subject  Subject  `json:"subject"`
	Resource Resource `json:"resource"`
}

type Subject struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
}

type Resource struct {
	OwnerID int64 `json:"owner_id"`
}

// Decision is the policy outcome.
type Decision struct {
	Allow  bool
	Reason string
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.chat_policy.decision"),
		rego.Module("chat_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewDefaultEngine creates an engine running DefaultPolicy.
func NewDefaultEngine(ctx context.Context) (*Engine, error) {
	return NewEngine(ctx, DefaultPolicy)
}

// Evaluate runs the policy for one action against one resource.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: false, Reason: "no decision"}, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{Allow: false, Reason: "unexpected return type"}, nil
	}
	allow, _ := obj["allow"].(bool)
	reason, _ := obj["reason"].(string)
	return Decision{Allow: allow, Reason: reason}, nil
}

// Authorize evaluates the policy for principal acting on a resource owned by
// ownerID and returns domain.ErrForbidden when it denies.
func (e *Engine) Authorize(ctx context.Context, principal domain.Principal, action Action, ownerID int64) error {
	decision, err := e.Evaluate(ctx, Input{
		Action:   action,
		Subject:  Subject{UserID: principal.UserID, Role: string(principal.Role)},
		Resource: Resource{OwnerID: ownerID},
	})
	if err != nil {
		return err
	}
	if !decision.Allow {
		return fmt.Errorf("%w: %s: %s", domain.ErrForbidden, action, decision.Reason)
	}
	return nil
}

// DefaultPolicy is the default policy content.
// Admins may do anything; users may act on what they own; chatbots are readable by everyone.
const DefaultPolicy = `
package chat_policy

default decision = {"allow": false, "reason": "not the owner"}

decision = {"allow": true, "reason": "admin"} {
	input.subject.role == "admin"
}

decision = {"allow": true, "reason": "owner"} {
	input.subject.role != "admin"
	input.subject.user_id == input.resource.owner_id
}

decision = {"allow": true, "reason": "chatbots are public"} {
	input.subject.role != "admin"
	input.subject.user_id != input.resource.owner_id
	input.action == "chatbot.read"
}
`
