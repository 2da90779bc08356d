package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/xiaot623/difychat/internal/adapter/provider"
	"github.com/xiaot623/difychat/internal/domain"
)

// Chat proxies a query to the provider and returns its answer, or "" for no answer.
func (s *Service) Chat(ctx context.Context, p domain.Principal, query, difyChatbotID string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("%w: query is required", domain.ErrInvalidInput)
	}
	if s.completer == nil {
		return "", domain.MissingPrerequisite("provider")
	}
	answer, answered, err := s.completer.Complete(ctx, providerRequest(p, query, difyChatbotID))
	if err != nil {
		return "", err
	}
	if !answered {
		return "", nil
	}
	return answer, nil
}

func providerRequest(p domain.Principal, query, difyChatbotID string) provider.Request {
	req := provider.Request{
		Query: query,
		Bot:   domain.BotRef{DifyChatbotID: difyChatbotID},
	}
	if p.UserID > 0 {
		req.User = "user-" + strconv.FormatInt(p.UserID, 10)
	}
	return req
}
