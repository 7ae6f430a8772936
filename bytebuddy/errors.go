package bytebuddy

import "errors"

var (
	// ErrRateLimited is returned when a user acts again before their
	// cooldown has elapsed. It's user-facing and isn't logged as an error.
	ErrRateLimited = errors.New("rate limited")

	// ErrQuestionTooLong is returned when a question exceeds
	// [SessionConfig.MaxQuestionLength].
	ErrQuestionTooLong = errors.New("question too long")

	// ErrCompletionTimeout is returned when the completion service didn't
	// answer within [SessionConfig.CompletionTimeout].
	ErrCompletionTimeout = errors.New("completion timed out")

	// ErrCompletionFailure is returned when the completion service returned
	// an error or a response with no usable answer.
	ErrCompletionFailure = errors.New("completion failed")

	// ErrConfiguration indicates invalid bounds or settings. It's fatal at
	// startup, never returned per-request.
	ErrConfiguration = errors.New("invalid configuration")

	ErrMemeTimeout = errors.New("meme request timed out")
	ErrMemeFailure = errors.New("meme request failed")
	ErrNoMeme      = errors.New("no meme url in response")
)
