package bytebuddy

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// route routes i and runs the returned work, if any
func route(t testing.TB, bot *ByteBuddy, i *discordgo.InteractionCreate) {
	t.Helper()
	ctx := context.Background()
	runWork(ctx, bot.routeInteraction(ctx, i))
}

func assertMessageResponse(
	t testing.TB,
	resp *discordgo.InteractionResponse,
	content string,
	flags discordgo.MessageFlags,
) {
	t.Helper()
	require.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type)
	require.NotNil(t, resp.Data)
	assert.Equal(t, content, resp.Data.Content)
	assert.Equal(t, flags, resp.Data.Flags)
}

func TestAppCommands(t *testing.T) {
	commands := appCommands()
	names := make([]string, 0, len(commands))
	for _, c := range commands {
		names = append(names, c.Name)
		assert.NotEmpty(t, c.Description)
	}
	assert.Equal(
		t,
		[]string{SlashCommandAsk, SlashCommandReset, SlashCommandMeme, SlashCommandHelp},
		names,
	)

	ask := commands[0]
	require.Len(t, ask.Options, 1)
	assert.Equal(t, askQuestionOption, ask.Options[0].Name)
	assert.True(t, ask.Options[0].Required)
	assert.Equal(t, discordgo.ApplicationCommandOptionString, ask.Options[0].Type)
}

func TestAsk(t *testing.T) {
	line := strings.TrimSpace(strings.Repeat("word ", 250))
	answer := line + "\n" + line

	bot, session := newTestBot(t, nil, staticFetcher(answer), nil)
	route(t, bot, askInteraction("u1", "what's up?"))

	responses := session.Responses()
	require.Len(t, responses, 1)
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, responses[0].Type)
	assert.Equal(t, []string{line}, session.Edits())
	assert.Equal(t, []string{line}, session.Followups())

	history, ok := bot.session.History("u1")
	require.True(t, ok)
	assert.Equal(
		t,
		[]Message{
			{Role: RoleUser, Content: "what's up?"},
			{Role: RoleAssistant, Content: answer},
		},
		history,
	)
}

func TestAsk_RateLimited(t *testing.T) {
	bot, session := newTestBot(t, nil, staticFetcher("answer"), nil)

	route(t, bot, askInteraction("u1", "first"))
	route(t, bot, askInteraction("u1", "second"))

	responses := session.Responses()
	require.Len(t, responses, 2)
	assertMessageResponse(t, responses[1], replyAskRateLimited, discordgo.MessageFlagsEphemeral)
	assert.Equal(t, []string{"answer"}, session.Edits())

	history, _ := bot.session.History("u1")
	assert.Len(t, history, 2)
	assert.Equal(
		t,
		float64(1),
		testutil.ToFloat64(bot.metrics.admissionsDenied.WithLabelValues(SlashCommandAsk)),
	)

	// other users aren't affected
	route(t, bot, askInteraction("u2", "hello"))
	assert.Equal(t, []string{"answer", "answer"}, session.Edits())
}

func TestAsk_TooLong(t *testing.T) {
	fetcher := &mockCompletionFetcher{}
	bot, session := newTestBot(t, nil, fetcher, nil)

	route(t, bot, askInteraction("u1", strings.Repeat("a", DefaultMaxQuestionLength+1)))

	responses := session.Responses()
	require.Len(t, responses, 1)
	assertMessageResponse(
		t,
		responses[0],
		fmt.Sprintf(replyQuestionTooLong, DefaultMaxQuestionLength),
		discordgo.MessageFlagsEphemeral,
	)
	assert.Empty(t, session.Edits())
	fetcher.AssertNotCalled(t, "Fetch")

	// the rejected question still used up the user's cooldown
	route(t, bot, askInteraction("u1", "short"))
	responses = session.Responses()
	require.Len(t, responses, 2)
	assertMessageResponse(t, responses[1], replyAskRateLimited, discordgo.MessageFlagsEphemeral)
}

func TestAsk_Errors(t *testing.T) {
	testCases := []struct {
		name    string
		fetcher fetcherFunc
		want    string
	}{
		{
			name: "timeout",
			fetcher: func(ctx context.Context, _ []Message) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			},
			want: replyTimeout,
		},
		{
			name: "failure",
			fetcher: func(context.Context, []Message) (string, error) {
				return "", errTestFetch
			},
			want: replyAskFailure,
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := newTestConfig(t)
				cfg.Session.CompletionTimeout = 50 * time.Millisecond
				bot, session := newTestBot(t, cfg, tc.fetcher, nil)

				route(t, bot, askInteraction("u1", "q"))
				assert.Equal(t, []string{tc.want}, session.Edits())
				assert.Empty(t, session.Followups())

				history, _ := bot.session.History("u1")
				assert.Empty(t, history)
			},
		)
	}
}

func TestSendChunks(t *testing.T) {
	testCases := []struct {
		name          string
		chunks        []string
		wantEdits     []string
		wantFollowups []string
	}{
		{
			name:          "single",
			chunks:        []string{"a"},
			wantEdits:     []string{"a"},
			wantFollowups: []string{},
		},
		{
			name:          "in order",
			chunks:        []string{"a", "b", "c"},
			wantEdits:     []string{"a"},
			wantFollowups: []string{"b", "c"},
		},
		{
			name:          "empty chunks skipped",
			chunks:        []string{"", "a", "", "b"},
			wantEdits:     []string{"a"},
			wantFollowups: []string{"b"},
		},
		{
			name:          "all empty",
			chunks:        []string{""},
			wantEdits:     []string{replyAskFailure},
			wantFollowups: []string{},
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				bot, session := newTestBot(t, nil, staticFetcher("x"), nil)
				bot.sendChunks(context.Background(), askInteraction("u1", "q"), tc.chunks)
				assert.Equal(t, tc.wantEdits, session.Edits())
				assert.Equal(t, tc.wantFollowups, session.Followups())
			},
		)
	}
}

func TestReset(t *testing.T) {
	bot, session := newTestBot(t, nil, staticFetcher("answer"), nil)

	route(t, bot, newCommandInteraction("u1", SlashCommandReset))
	responses := session.Responses()
	require.Len(t, responses, 1)
	assertMessageResponse(t, responses[0], replyNoHistory, 0)

	route(t, bot, askInteraction("u1", "q"))
	history, _ := bot.session.History("u1")
	require.Len(t, history, 2)

	// reset isn't subject to the cooldown
	route(t, bot, newCommandInteraction("u1", SlashCommandReset))
	responses = session.Responses()
	require.Len(t, responses, 3)
	assertMessageResponse(t, responses[2], replyHistoryCleared, 0)

	history, _ = bot.session.History("u1")
	assert.Empty(t, history)
}

func TestMeme(t *testing.T) {
	testCases := []struct {
		name        string
		fetcher     memeFetcherFunc
		want        string
		wantOutcome string
	}{
		{
			name: "success",
			fetcher: func(context.Context) (string, error) {
				return "https://i.redd.it/meme.png", nil
			},
			want:        "https://i.redd.it/meme.png",
			wantOutcome: "succeeded",
		},
		{
			name: "no meme",
			fetcher: func(context.Context) (string, error) {
				return "", ErrNoMeme
			},
			want:        replyNoMeme,
			wantOutcome: "no_meme",
		},
		{
			name: "failure",
			fetcher: func(context.Context) (string, error) {
				return "", errTestFetch
			},
			want:        replyMemeFailure,
			wantOutcome: "failed",
		},
		{
			name: "timeout",
			fetcher: func(ctx context.Context) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			},
			want:        replyTimeout,
			wantOutcome: "timed_out",
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := newTestConfig(t)
				cfg.Meme.Timeout = 50 * time.Millisecond
				bot, session := newTestBot(t, cfg, staticFetcher("x"), tc.fetcher)

				route(t, bot, newCommandInteraction("u1", SlashCommandMeme))

				responses := session.Responses()
				require.Len(t, responses, 1)
				assert.Equal(
					t,
					discordgo.InteractionResponseDeferredChannelMessageWithSource,
					responses[0].Type,
				)
				assert.Equal(t, []string{tc.want}, session.Edits())
				assert.Equal(
					t,
					float64(1),
					testutil.ToFloat64(bot.metrics.memes.WithLabelValues(tc.wantOutcome)),
				)
			},
		)
	}
}

func TestMeme_SharesCooldownWithAsk(t *testing.T) {
	memeCalled := false
	bot, session := newTestBot(
		t,
		nil,
		staticFetcher("answer"),
		memeFetcherFunc(
			func(context.Context) (string, error) {
				memeCalled = true
				return "https://i.redd.it/meme.png", nil
			},
		),
	)

	route(t, bot, askInteraction("u1", "q"))
	route(t, bot, newCommandInteraction("u1", SlashCommandMeme))

	responses := session.Responses()
	require.Len(t, responses, 2)
	assertMessageResponse(t, responses[1], replyMemeRateLimited, discordgo.MessageFlagsEphemeral)
	assert.False(t, memeCalled)
}

func TestHelp(t *testing.T) {
	bot, session := newTestBot(t, nil, staticFetcher("x"), nil)

	route(t, bot, newCommandInteraction("u1", SlashCommandHelp))
	responses := session.Responses()
	require.Len(t, responses, 1)
	content := responses[0].Data.Content
	for _, cmd := range []string{"/ask", "/reset", "/meme", "/help"} {
		assert.Contains(t, content, cmd)
	}
	assert.Contains(t, content, "Rate limit: One command every 3 seconds per user")

	// help isn't rate limited and doesn't use up the cooldown
	route(t, bot, newCommandInteraction("u1", SlashCommandHelp))
	assert.Len(t, session.Responses(), 2)
	assert.True(t, bot.session.CheckAdmission("u1"))
}

func TestRouteInteraction_Ignored(t *testing.T) {
	bot, session := newTestBot(t, nil, staticFetcher("x"), nil)
	ctx := context.Background()

	t.Run(
		"bot user", func(t *testing.T) {
			i := askInteraction("bot-1", "q")
			i.Member.User.Bot = true
			assert.Nil(t, bot.routeInteraction(ctx, i))
		},
	)

	t.Run(
		"no user", func(t *testing.T) {
			i := askInteraction("u1", "q")
			i.Member = nil
			assert.Nil(t, bot.routeInteraction(ctx, i))
		},
	)

	t.Run(
		"message component", func(t *testing.T) {
			i := askInteraction("u1", "q")
			i.Type = discordgo.InteractionMessageComponent
			assert.Nil(t, bot.routeInteraction(ctx, i))
		},
	)

	assert.Empty(t, session.Responses())
}

func TestRouteInteraction_Ping(t *testing.T) {
	bot, session := newTestBot(t, nil, staticFetcher("x"), nil)
	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{ID: "ping", Type: discordgo.InteractionPing},
	}
	route(t, bot, i)

	responses := session.Responses()
	require.Len(t, responses, 1)
	assert.Equal(t, discordgo.InteractionResponsePong, responses[0].Type)
}

func TestRouteInteraction_UnknownCommand(t *testing.T) {
	bot, session := newTestBot(t, nil, staticFetcher("x"), nil)
	route(t, bot, newCommandInteraction("u1", "dance"))

	responses := session.Responses()
	require.Len(t, responses, 1)
	assertMessageResponse(t, responses[0], replyUnknownCommand, discordgo.MessageFlagsEphemeral)
}

func TestRouteInteraction_DirectMessageUser(t *testing.T) {
	bot, session := newTestBot(t, nil, staticFetcher("dm answer"), nil)
	i := askInteraction("u1", "q")
	i.User = i.Member.User
	i.Member = nil
	i.GuildID = ""

	route(t, bot, i)
	assert.Equal(t, []string{"dm answer"}, session.Edits())
}

func TestHumanDuration(t *testing.T) {
	testCases := []struct {
		d    time.Duration
		want string
	}{
		{d: 3 * time.Second, want: "3 seconds"},
		{d: time.Second, want: "1 second"},
		{d: 0, want: "0 seconds"},
		{d: 1500 * time.Millisecond, want: "1.5s"},
	}
	for _, tc := range testCases {
		t.Run(
			tc.want, func(t *testing.T) {
				assert.Equal(t, tc.want, humanDuration(tc.d))
			},
		)
	}
}

func TestOptionString(t *testing.T) {
	data := askInteraction("u1", "the question").ApplicationCommandData()
	assert.Equal(t, "the question", optionString(data, askQuestionOption))
	assert.Equal(t, "", optionString(data, "missing"))
}
