// Package relay persists a user message, asks the provider for a reply and
// persists the reply.
package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/difychat/internal/adapter/provider"
	"github.com/xiaot623/difychat/internal/domain"
)

const instrumentationName = "github.com/xiaot623/difychat/internal/relay"

// MessageWriter persists messages. backend.Client satisfies it.
type MessageWriter interface {
	CreateMessage(ctx context.Context, creds domain.Credentials, sessionID int64, role domain.Role, content string) error
}

// Outcome is what one relay produced.
// Persistence failures are reported here and never abort the relay.
type Outcome struct {
	Answer              string
	Answered            bool
	UserMessageErr      error
	AssistantMessageErr error
}

// Relay moves one user message through persistence and the provider.
type Relay struct {
	messages  MessageWriter
	completer provider.Completer

	tracer   trace.Tracer
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates a Relay using the global OpenTelemetry providers.
func New(messages MessageWriter, completer provider.Completer) *Relay {
	meter := otel.Meter(instrumentationName)
	requests, err := meter.Int64Counter("difychat.relay.requests",
		metric.WithDescription("Relayed user messages by outcome"))
	if err != nil {
		log.Warn().Err(err).Msg("failed to create relay request counter")
	}
	duration, err := meter.Float64Histogram("difychat.relay.duration_ms",
		metric.WithDescription("Provider round trip time"), metric.WithUnit("ms"))
	if err != nil {
		log.Warn().Err(err).Msg("failed to create relay duration histogram")
	}
	return &Relay{
		messages:  messages,
		completer: completer,
		tracer:    otel.Tracer(instrumentationName),
		requests:  requests,
		duration:  duration,
	}
}

// Send persists text as the user's message, asks the provider for a reply,
// persists the reply and returns it. The user message is written before the
// provider is called. A provider failure is returned as an error; no reply
// (empty answer) is a successful Outcome with Answered false.
func (r *Relay) Send(ctx context.Context, creds domain.Credentials, sessionID int64, text string, bot domain.BotRef) (Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "relay.send", trace.WithAttributes(
		attribute.Int64("session.id", sessionID),
		attribute.Int64("chatbot.id", bot.ChatbotID),
	))
	defer span.End()

	var out Outcome
	if sessionID <= 0 {
		return out, domain.MissingPrerequisite("session")
	}

	if err := r.messages.CreateMessage(ctx, creds, sessionID, domain.RoleUser, text); err != nil {
		log.Error().Err(err).Int64("session_id", sessionID).Msg("failed to save user message")
		span.RecordError(err)
		out.UserMessageErr = err
	}

	start := time.Now()
	answer, answered, err := r.completer.Complete(ctx, provider.Request{
		Query: text,
		Bot:   bot,
		Token: creds.ProviderToken,
	})
	r.record(ctx, start, outcomeLabel(answered, err))
	if err != nil {
		log.Error().Err(err).Int64("session_id", sessionID).Msg("provider call failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider call failed")
		return out, err
	}
	if !answered {
		span.SetAttributes(attribute.Bool("relay.answered", false))
		return out, nil
	}

	out.Answer, out.Answered = answer, true
	span.SetAttributes(attribute.Bool("relay.answered", true), attribute.Int("relay.answer_len", len(answer)))

	if err := r.messages.CreateMessage(ctx, creds, sessionID, domain.RoleAssistant, answer); err != nil {
		log.Error().Err(err).Int64("session_id", sessionID).Msg("failed to save assistant message")
		span.RecordError(err)
		out.AssistantMessageErr = err
	}
	return out, nil
}

func (r *Relay) record(ctx context.Context, start time.Time, outcome string) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if r.requests != nil {
		r.requests.Add(ctx, 1, attrs)
	}
	if r.duration != nil {
		r.duration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	}
}

func outcomeLabel(answered bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case answered:
		return "answered"
	default:
		return "no_reply"
	}
}
