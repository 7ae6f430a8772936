package bytebuddy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

// CompletionFetcher produces an answer for an ordered sequence of
// messages. It may block, and is always called off the event loop.
type CompletionFetcher interface {
	Fetch(ctx context.Context, messages []Message) (string, error)
}

// CompletionOrchestrator turns a user's question into an answer, using
// and then updating that user's conversation history.
type CompletionOrchestrator struct {
	history      *HistoryStore
	fetcher      CompletionFetcher
	systemPrompt string
	timeout      time.Duration
	logger       *slog.Logger
}

// NewCompletionOrchestrator returns an orchestrator which bounds each
// fetch by timeout. A nil logger uses slog.Default.
func NewCompletionOrchestrator(
	history *HistoryStore,
	fetcher CompletionFetcher,
	systemPrompt string,
	timeout time.Duration,
	logger *slog.Logger,
) (*CompletionOrchestrator, error) {
	var errs []error
	if history == nil {
		errs = append(errs, errors.New("history store required"))
	}
	if fetcher == nil {
		errs = append(errs, errors.New("completion fetcher required"))
	}
	if timeout <= 0 {
		errs = append(errs, fmt.Errorf("completion timeout must be > 0 (got %s)", timeout))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, errors.Join(errs...))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionOrchestrator{
		history:      history,
		fetcher:      fetcher,
		systemPrompt: systemPrompt,
		timeout:      timeout,
		logger:       logger,
	}, nil
}

// Answer asks the completion service about question, in the context of
// userID's history.
//
// The request is the system prompt, then the user's history, then the
// question. The fetch runs on its own goroutine and is abandoned after
// the orchestrator's timeout, in which case [ErrCompletionTimeout] is
// returned. Any other failure is returned as [ErrCompletionFailure].
//
// History is only updated (question, then answer) after a successful
// fetch, and only if the history wasn't reset while the fetch was
// running. On error, history is unchanged.
func (o *CompletionOrchestrator) Answer(
	ctx context.Context,
	userID string,
	question string,
) (string, error) {
	requestID := uuid.NewString()
	logger := contextLoggerOr(ctx, o.logger).With(
		"request_id", requestID,
		"user_id", userID,
	)
	ctx = WithLogger(ctx, logger)

	snapshot, generation := o.history.SnapshotGeneration(userID)
	userMessage := Message{Role: RoleUser, Content: question}

	messages := make([]Message, 0, len(snapshot)+2)
	messages = append(messages, Message{Role: RoleSystem, Content: o.systemPrompt})
	messages = append(messages, snapshot...)
	messages = append(messages, userMessage)

	logger.DebugContext(
		ctx,
		"fetching completion",
		"history_length", len(snapshot),
		"timeout", o.timeout,
	)

	answer, err := callWithTimeout(
		ctx,
		o.timeout,
		func(fetchCtx context.Context) (string, error) {
			return o.fetcher.Fetch(fetchCtx, messages)
		},
	)
	switch {
	case errors.Is(err, errCallTimeout):
		logger.WarnContext(ctx, "completion timed out", tint.Err(err))
		return "", fmt.Errorf("%w: %w", ErrCompletionTimeout, err)
	case errors.Is(err, ErrCompletionFailure):
		logCompletionError(ctx, logger, err)
		return "", err
	case err != nil:
		logCompletionError(ctx, logger, err)
		return "", fmt.Errorf("%w: %w", ErrCompletionFailure, err)
	case strings.TrimSpace(answer) == "":
		logger.ErrorContext(ctx, "completion returned an empty answer")
		return "", fmt.Errorf("%w: empty answer", ErrCompletionFailure)
	}

	assistantMessage := Message{Role: RoleAssistant, Content: answer}
	if !o.history.AppendIfCurrent(userID, generation, userMessage, assistantMessage) {
		logger.InfoContext(
			ctx,
			"history was reset while fetching, answer not recorded",
		)
	}
	return answer, nil
}
