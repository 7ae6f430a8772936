package bytebuddy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	SlashCommandAsk   = "ask"
	SlashCommandReset = "reset"
	SlashCommandMeme  = "meme"
	SlashCommandHelp  = "help"

	// askQuestionOption is the option name for the /ask question
	askQuestionOption = "question"
)

// Replies sent back to users
const (
	replyAskRateLimited  = "Please wait a moment before asking another question."
	replyMemeRateLimited = "Please wait a moment before requesting another meme."
	replyQuestionTooLong = "Question is too long. Please keep it under %d characters."
	replyTimeout         = "Request timed out. Please try again."
	replyAskFailure      = "Failed to get a response. Please try again later."
	replyHistoryCleared  = "Your conversation history has been cleared."
	replyNoHistory       = "You don't have any conversation history yet."
	replyNoMeme          = "Could not fetch a meme URL."
	replyMemeFailure     = "Failed to fetch a meme. Please try again later."
	replyUnknownCommand  = "Unknown command."
)

// interactionWork responds to an interaction. It's run on its own
// goroutine, after the decisions which don't involve network calls
// have been made on the event loop.
type interactionWork func(ctx context.Context)

// appCommands returns the slash commands registered on startup
func appCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        SlashCommandAsk,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Ask a question to the AI assistant",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        askQuestionOption,
					Description: "The question to ask",
					Required:    true,
				},
			},
		},
		{
			Name:        SlashCommandReset,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Clear your conversation history",
		},
		{
			Name:        SlashCommandMeme,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Get a random meme",
		},
		{
			Name:        SlashCommandHelp,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Show available commands",
		},
	}
}

// helpText lists the available commands
func helpText(cooldown time.Duration) string {
	var b strings.Builder
	b.WriteString("**Bot Commands**\n")
	b.WriteString("Here are the available commands:\n\n")
	b.WriteString("`/ask <question>` - Ask a question to the AI assistant. ")
	b.WriteString("The bot remembers your conversation context.\n")
	b.WriteString("`/reset` - Clear your conversation history with the bot.\n")
	b.WriteString("`/meme` - Get a random meme from the internet.\n")
	b.WriteString("`/help` - Show this help message.\n\n")
	fmt.Fprintf(&b, "Rate limit: One command every %s per user", humanDuration(cooldown))
	return b.String()
}

// humanDuration formats whole seconds as "N seconds", falling back to
// time.Duration's format otherwise
func humanDuration(d time.Duration) string {
	if d%time.Second != 0 {
		return d.String()
	}
	secs := int64(d / time.Second)
	if secs == 1 {
		return "1 second"
	}
	return fmt.Sprintf("%d seconds", secs)
}

// optionString returns the value of the named string option, or an
// empty string if it wasn't given
func optionString(data discordgo.ApplicationCommandInteractionData, name string) string {
	for _, opt := range data.Options {
		if opt.Name == name && opt.Type == discordgo.ApplicationCommandOptionString {
			return opt.StringValue()
		}
	}
	return ""
}

func messageResponse(content string, flags discordgo.MessageFlags) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   flags,
		},
	}
}

func deferredResponse() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}
}

// routeInteraction decides how to respond to i. It runs on the event
// loop, so it only does fast, in-memory work (admission, validation,
// history reset) and returns the network-bound remainder, or nil if
// there's nothing to do.
func (b *ByteBuddy) routeInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) interactionWork {
	logger := b.discord.logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))

	switch i.Type {
	case discordgo.InteractionPing:
		return b.respond(i, &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
	case discordgo.InteractionApplicationCommand:
	default:
		logger.WarnContext(ctx, "ignoring interaction")
		return nil
	}

	user := getDiscordUser(i)
	if user == nil {
		logger.ErrorContext(ctx, "no user found in interaction")
		return nil
	}
	if user.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", slog.Group("user", userLogAttrs(*user)...))
		return nil
	}

	data := i.ApplicationCommandData()
	logger = logger.With(
		slog.Group("user", userLogAttrs(*user)...),
		"command", data.Name,
	)
	logger.InfoContext(ctx, "received command")

	switch data.Name {
	case SlashCommandAsk:
		return b.routeAsk(logger, i, user.ID, optionString(data, askQuestionOption))
	case SlashCommandReset:
		// reset isn't rate limited
		reply := replyNoHistory
		if b.session.ResetHistory(user.ID) {
			reply = replyHistoryCleared
		}
		return b.respond(i, messageResponse(reply, 0))
	case SlashCommandMeme:
		if err := b.session.Admit(user.ID); err != nil {
			b.metrics.admissionsDenied.WithLabelValues(SlashCommandMeme).Inc()
			return b.respond(i, messageResponse(replyMemeRateLimited, discordgo.MessageFlagsEphemeral))
		}
		return func(ctx context.Context) {
			b.sendMeme(WithLogger(ctx, logger), i)
		}
	case SlashCommandHelp:
		return b.respond(i, messageResponse(helpText(b.session.Config().Cooldown), 0))
	default:
		logger.WarnContext(ctx, "unknown command")
		return b.respond(i, messageResponse(replyUnknownCommand, discordgo.MessageFlagsEphemeral))
	}
}

// routeAsk checks admission, then question length, before handing
// the question off
func (b *ByteBuddy) routeAsk(
	logger *slog.Logger,
	i *discordgo.InteractionCreate,
	userID string,
	question string,
) interactionWork {
	if err := b.session.Admit(userID); err != nil {
		b.metrics.admissionsDenied.WithLabelValues(SlashCommandAsk).Inc()
		return b.respond(i, messageResponse(replyAskRateLimited, discordgo.MessageFlagsEphemeral))
	}
	if err := b.session.ValidateQuestion(question); err != nil {
		logger.Warn("rejected question", tint.Err(err))
		return b.respond(
			i,
			messageResponse(
				fmt.Sprintf(replyQuestionTooLong, b.session.Config().MaxQuestionLength),
				discordgo.MessageFlagsEphemeral,
			),
		)
	}
	return func(ctx context.Context) {
		b.answerQuestion(WithLogger(ctx, logger), i, userID, question)
	}
}

// respond returns work which sends resp as the interaction response
func (b *ByteBuddy) respond(
	i *discordgo.InteractionCreate,
	resp *discordgo.InteractionResponse,
) interactionWork {
	return func(ctx context.Context) {
		if err := b.discord.session.InteractionRespond(i.Interaction, resp); err != nil {
			contextLoggerOr(ctx, b.discord.logger).ErrorContext(
				ctx,
				"error responding to interaction",
				tint.Err(err),
			)
		}
	}
}

// answerQuestion acknowledges the interaction, then waits on the answer
// and sends it back in order, one chunk per message.
func (b *ByteBuddy) answerQuestion(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	userID string,
	question string,
) {
	logger := contextLoggerOr(ctx, b.discord.logger)

	if err := b.discord.session.InteractionRespond(i.Interaction, deferredResponse()); err != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	chunks, err := b.session.HandleQuestion(ctx, userID, question)
	if err != nil {
		reply := replyAskFailure
		if errors.Is(err, ErrCompletionTimeout) {
			reply = replyTimeout
		}
		b.editResponse(ctx, i, reply)
		return
	}
	b.sendChunks(ctx, i, chunks)
}

// sendChunks sends the first chunk as the (deferred) interaction
// response, and the rest as follow-up messages. Discord rejects empty
// messages, so empty chunks are skipped.
func (b *ByteBuddy) sendChunks(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	chunks []string,
) {
	logger := contextLoggerOr(ctx, b.discord.logger)
	first := true
	for n, chunk := range chunks {
		if chunk == "" {
			continue
		}
		if first {
			first = false
			if !b.editResponse(ctx, i, chunk) {
				return
			}
			continue
		}
		if _, err := b.discord.session.FollowupMessageCreate(
			i.Interaction,
			true,
			&discordgo.WebhookParams{Content: chunk},
		); err != nil {
			logger.ErrorContext(
				ctx,
				"error sending follow-up message",
				"chunk", n,
				"chunks", len(chunks),
				tint.Err(err),
			)
			return
		}
	}
	if first {
		b.editResponse(ctx, i, replyAskFailure)
	}
}

// editResponse replaces the content of the interaction response,
// reporting whether it succeeded
func (b *ByteBuddy) editResponse(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
) bool {
	if _, err := b.discord.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{Content: &content},
	); err != nil {
		contextLoggerOr(ctx, b.discord.logger).ErrorContext(
			ctx,
			"error editing interaction response",
			tint.Err(err),
		)
		return false
	}
	return true
}

// sendMeme acknowledges the interaction, then replies with a meme URL
func (b *ByteBuddy) sendMeme(ctx context.Context, i *discordgo.InteractionCreate) {
	logger := contextLoggerOr(ctx, b.discord.logger)

	if err := b.discord.session.InteractionRespond(i.Interaction, deferredResponse()); err != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	url, err := FetchMeme(ctx, b.memes, b.config.Meme.Timeout)
	b.metrics.memes.WithLabelValues(memeOutcome(err)).Inc()

	reply := url
	switch {
	case err == nil:
	case errors.Is(err, ErrNoMeme):
		logger.WarnContext(ctx, "no meme in response")
		reply = replyNoMeme
	case errors.Is(err, ErrMemeTimeout):
		logger.ErrorContext(ctx, "meme request timed out", tint.Err(err))
		reply = replyTimeout
	default:
		logger.ErrorContext(ctx, "meme request failed", tint.Err(err))
		reply = replyMemeFailure
	}
	b.editResponse(ctx, i, reply)
}
