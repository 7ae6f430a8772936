// Package bytebuddy implements ByteBuddy, a Discord bot which answers
// questions with an OpenAI-compatible LLM (Groq, by default) and
// remembers each user's recent conversation.
//
// Key components of the package include:
//
//   - SessionCore: per-user state and the question/answer flow. Callers
//     check admission and question length, then call HandleQuestion.
//   - HistoryStore: bounded, per-user conversation history.
//   - RateLimiter: per-user cooldown between commands.
//   - CompletionOrchestrator: builds the completion request from history,
//     and only records the exchange once an answer arrives in time.
//   - SplitMessage: splits long answers into Discord-sized messages.
//   - ByteBuddy: the bot itself, wiring the above to a discord gateway
//     session and an optional status API.
//
// The bot supports these slash commands:
//
//   - /ask: ask the assistant a question
//   - /reset: clear your conversation history
//   - /meme: get a random meme
//   - /help: list commands
//
// All state is in memory, and is lost when the bot restarts.
package bytebuddy
