package bytebuddy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// RequestState is the lifecycle state of a single question
type RequestState string

const (
	RequestStateAdmitted  RequestState = "admitted"
	RequestStateFetching  RequestState = "fetching"
	RequestStateSucceeded RequestState = "succeeded"
	RequestStateTimedOut  RequestState = "timed_out"
	RequestStateFailed    RequestState = "failed"
)

// finalRequestState classifies the error returned by
// [CompletionOrchestrator.Answer]
func finalRequestState(err error) RequestState {
	switch {
	case err == nil:
		return RequestStateSucceeded
	case errors.Is(err, ErrCompletionTimeout):
		return RequestStateTimedOut
	default:
		return RequestStateFailed
	}
}

// SessionOption configures optional [SessionCore] dependencies
type SessionOption func(*SessionCore)

// WithClock sets the function used to get the current time for
// admission checks
func WithClock(now func() time.Time) SessionOption {
	return func(s *SessionCore) {
		s.now = now
	}
}

// WithSessionLogger sets the logger for the session and its orchestrator
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *SessionCore) {
		s.logger = logger
	}
}

// WithMetrics records session metrics to m instead of a new registry
func WithMetrics(m *Metrics) SessionOption {
	return func(s *SessionCore) {
		s.metrics = m
	}
}

// SessionStats is a point-in-time summary of session state
type SessionStats struct {
	UsersWithHistory int   `json:"users_with_history"`
	RateLimitRecords int   `json:"rate_limit_records"`
	RequestsInFlight int64 `json:"requests_in_flight"`
}

// SessionCore is the entry point for command handlers. It owns each
// user's history and rate limit state.
//
// Callers check admission ([SessionCore.CheckAdmission]) and question
// length ([SessionCore.ValidateQuestion]) before calling
// [SessionCore.HandleQuestion], which doesn't check either.
type SessionCore struct {
	config       *SessionConfig
	history      *HistoryStore
	limiter      *RateLimiter
	orchestrator *CompletionOrchestrator
	metrics      *Metrics
	logger       *slog.Logger
	now          func() time.Time
	inFlight     atomic.Int64
}

func NewSessionCore(
	cfg *SessionConfig,
	fetcher CompletionFetcher,
	opts ...SessionOption,
) (*SessionCore, error) {
	if err := validateSessionConfig(cfg); err != nil {
		return nil, err
	}

	s := &SessionCore{
		config: cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}

	var errs []error
	var err error
	if s.history, err = NewHistoryStore(cfg.HistoryCapacity); err != nil {
		errs = append(errs, err)
	}
	if s.limiter, err = NewRateLimiter(cfg.Cooldown); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	s.orchestrator, err = NewCompletionOrchestrator(
		s.history,
		fetcher,
		cfg.SystemPrompt,
		cfg.CompletionTimeout,
		s.logger,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// CheckAdmission reports whether userID may act now, recording the
// action if so.
func (s *SessionCore) CheckAdmission(userID string) bool {
	admitted := s.limiter.Admit(userID, s.now())
	if !admitted {
		s.logger.Info("rate limited", "user_id", userID)
	}
	return admitted
}

// Admit is [SessionCore.CheckAdmission] as an error: nil if userID
// was admitted, otherwise [ErrRateLimited] with the remaining cooldown.
func (s *SessionCore) Admit(userID string) error {
	if s.CheckAdmission(userID) {
		return nil
	}
	return fmt.Errorf("%w: retry in %s", ErrRateLimited, s.RetryAfter(userID))
}

// RetryAfter returns how long until userID's cooldown elapses.
func (s *SessionCore) RetryAfter(userID string) time.Duration {
	return s.limiter.RetryAfter(userID, s.now())
}

// ValidateQuestion returns [ErrQuestionTooLong] if question has more
// characters than allowed.
func (s *SessionCore) ValidateQuestion(question string) error {
	if n := utf8.RuneCountInString(question); n > s.config.MaxQuestionLength {
		s.metrics.questionsTooLong.Inc()
		return fmt.Errorf(
			"%w: %d characters (max %d)",
			ErrQuestionTooLong,
			n,
			s.config.MaxQuestionLength,
		)
	}
	return nil
}

// HandleQuestion answers question for userID, returning the answer
// split into chunks to be sent in order.
//
// Errors are [ErrCompletionTimeout] or [ErrCompletionFailure], and leave
// the user's history as it was.
func (s *SessionCore) HandleQuestion(
	ctx context.Context,
	userID string,
	question string,
) ([]string, error) {
	logger := contextLoggerOr(ctx, s.logger).With("user_id", userID)
	ctx = WithLogger(ctx, logger)

	start := s.now()
	logger.DebugContext(ctx, "request state", "state", RequestStateAdmitted)

	s.inFlight.Add(1)
	s.metrics.requestsInFlight.Inc()
	logger.DebugContext(ctx, "request state", "state", RequestStateFetching)
	answer, err := s.orchestrator.Answer(ctx, userID, question)
	s.metrics.requestsInFlight.Dec()
	s.inFlight.Add(-1)

	state := finalRequestState(err)
	s.metrics.requests.WithLabelValues(string(state)).Inc()
	s.metrics.requestDuration.WithLabelValues(string(state)).Observe(
		s.now().Sub(start).Seconds(),
	)
	logger.InfoContext(ctx, "request state", "state", state)

	if err != nil {
		return nil, err
	}
	return SplitMessage(answer, s.config.MaxChunkLength)
}

// ResetHistory clears userID's history, returning false if they had
// no history to clear.
func (s *SessionCore) ResetHistory(userID string) bool {
	cleared := s.history.Reset(userID)
	result := "empty"
	if cleared {
		result = "cleared"
	}
	s.metrics.historyResets.WithLabelValues(result).Inc()
	s.logger.Info("history reset", "user_id", userID, "result", result)
	return cleared
}

// History returns a copy of userID's history, oldest first, and
// whether the user has a history at all.
func (s *SessionCore) History(userID string) ([]Message, bool) {
	return s.history.SnapshotIfExists(userID)
}

// PruneRateLimits drops rate limit records whose cooldown has elapsed,
// returning how many were removed.
func (s *SessionCore) PruneRateLimits() int {
	return s.limiter.Prune(s.now())
}

// Stats returns point-in-time counts for the health check
func (s *SessionCore) Stats() SessionStats {
	return SessionStats{
		UsersWithHistory: s.history.Users(),
		RateLimitRecords: s.limiter.Len(),
		RequestsInFlight: s.inFlight.Load(),
	}
}

// Config returns the session configuration.
func (s *SessionCore) Config() *SessionConfig {
	return s.config
}
