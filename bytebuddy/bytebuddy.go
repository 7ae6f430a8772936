package bytebuddy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// ByteBuddy is the bot: a discord gateway session answering slash
// commands from a [SessionCore], plus an optional status API.
type ByteBuddy struct {
	config     *Config
	session    *SessionCore
	fetcher    CompletionFetcher
	memes      MemeFetcher
	discord    *Discord
	api        *API
	metrics    *Metrics
	logger     *slog.Logger
	logHandler slog.Handler

	// handlerWG tracks in-flight interaction handlers, so shutdown can
	// wait on them. handlerMu guards adding to it against closing.
	handlerWG sync.WaitGroup
	handlerMu sync.Mutex
	closing   bool

	startedAt atomic.Pointer[time.Time]

	// signalReady receives a value once Run has connected and
	// registered commands
	signalReady chan struct{}

	runMu sync.Mutex
}

// Option configures optional [ByteBuddy] dependencies.
type Option func(*ByteBuddy)

// WithCompletionFetcher replaces the OpenAI-compatible fetcher
func WithCompletionFetcher(f CompletionFetcher) Option {
	return func(b *ByteBuddy) {
		b.fetcher = f
	}
}

// WithMemeFetcher replaces the HTTP meme fetcher
func WithMemeFetcher(f MemeFetcher) Option {
	return func(b *ByteBuddy) {
		b.memes = f
	}
}

// WithDiscordSession sets the discord session, instead of creating one
// from the bot token on Run
func WithDiscordSession(s DiscordSessionHandler) Option {
	return func(b *ByteBuddy) {
		b.discord.session = s
	}
}

// New creates a bot from config. The config is validated, and any
// invalid settings are returned as a single error wrapping
// [ErrConfiguration].
func New(config *Config, opts ...Option) (*ByteBuddy, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &ByteBuddy{
		config:      config,
		metrics:     NewMetrics(),
		signalReady: make(chan struct{}, 1),
	}

	b.logHandler = newLogHandler(levelOr(config.LogLevel, DefaultLogLevel))
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(
			levelOr(config.Discord.DiscordGoLogLevel, DefaultDiscordgoLogLevel),
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	b.discord = newDiscord(config.Discord, config.HTTPClient)

	for _, opt := range opts {
		opt(b)
	}

	if b.fetcher == nil {
		b.fetcher = NewOpenAICompletionFetcher(config.OpenAI, config.HTTPClient)
	}
	if b.memes == nil {
		b.memes = NewHTTPMemeFetcher(config.Meme, nil)
	}

	var errs []error

	session, err := NewSessionCore(
		config.Session,
		b.fetcher,
		WithMetrics(b.metrics),
		WithSessionLogger(b.logger.With(loggerNameKey, "session")),
	)
	if err != nil {
		errs = append(errs, err)
	}
	b.session = session

	if config.API.Enabled {
		api, apiErr := newAPI(b, config.API)
		if apiErr != nil {
			errs = append(errs, apiErr)
		}
		b.api = api
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return b, nil
}

// Session returns the bot's session core
func (b *ByteBuddy) Session() *SessionCore {
	return b.session
}

// Run connects to discord and handles interactions until ctx is
// canceled, then waits (up to the configured shutdown timeout) for
// in-flight interactions to finish.
func (b *ByteBuddy) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.handlerMu.Lock()
	b.closing = false
	b.handlerMu.Unlock()

	now := time.Now()
	b.startedAt.Store(&now)
	logger := b.logger
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if b.api != nil {
		g.Go(
			func() error {
				return b.api.Serve(gctx, b.config.ShutdownTimeout)
			},
		)
	}

	startCtx, startCancel := context.WithTimeout(gctx, b.config.StartupTimeout)
	defer startCancel()
	if err := b.initDiscord(startCtx, gctx); err != nil {
		logger.ErrorContext(ctx, "error starting discord session", tint.Err(err))
		cancel()
		b.discord.removeHandlers()
		return errors.Join(err, ignoreCanceled(g.Wait()))
	}

	g.Go(
		func() error {
			b.pruneRateLimits(gctx, b.config.Session.PruneInterval)
			return nil
		},
	)

	select {
	case b.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready")

	g.Go(
		func() error {
			<-gctx.Done()
			return b.shutdown(ctx)
		},
	)

	return ignoreCanceled(g.Wait())
}

// initDiscord creates the gateway session if needed, adds event
// handlers, connects and registers commands.
// startCtx bounds startup, runCtx is passed to interaction handlers.
func (b *ByteBuddy) initDiscord(startCtx context.Context, runCtx context.Context) error {
	d := b.discord
	if d.session == nil {
		session, err := d.newSession()
		if err != nil {
			return err
		}
		d.session = session
	}

	d.session.SetIdentify(
		discordgo.Identify{
			Intents: b.config.Discord.GatewayIntents,
			Presence: discordgo.GatewayStatusUpdate{
				Status: string(discordgo.StatusOnline),
			},
		},
	)

	d.removeHandlers()
	d.removeHandlerFuncs = []func(){
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(b.interactionCreateHandler(runCtx)),
	}

	initErr := make(chan error, 1)
	go func() {
		d.logger.InfoContext(startCtx, "connecting to discord")
		if err := d.session.Open(); err != nil {
			initErr <- fmt.Errorf("error connecting to discord: %w", err)
			return
		}
		if _, err := d.registerCommands(appCommands()); err != nil {
			initErr <- fmt.Errorf("error registering commands: %w", err)
			return
		}
		initErr <- nil
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	case err := <-initErr:
		if err != nil {
			return err
		}
	}

	if status := b.config.Discord.CustomStatus; status != "" {
		if err := d.session.UpdateCustomStatus(status); err != nil {
			d.logger.ErrorContext(startCtx, "error updating discord status", tint.Err(err))
		}
	}
	return nil
}

// interactionCreateHandler returns the discordgo handler for incoming
// interactions. Routing happens on the event loop, responding happens
// on a new goroutine.
//
// Handlers get a context which isn't canceled with ctx, so requests
// in flight at shutdown can still finish and reply.
func (b *ByteBuddy) interactionCreateHandler(ctx context.Context) func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	handlerCtx := context.WithoutCancel(ctx)
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		if ctx.Err() != nil || !b.startHandler() {
			b.discord.logger.Warn("shutting down, ignoring interaction", "id", i.ID)
			return
		}
		work := b.routeInteraction(handlerCtx, i)
		if work == nil {
			b.handlerWG.Done()
			return
		}
		go func() {
			defer b.handlerWG.Done()
			work(handlerCtx)
		}()
	}
}

// startHandler adds an interaction handler to handlerWG, unless
// shutdown has started waiting on it. Callers must call
// handlerWG.Done when it returns true.
func (b *ByteBuddy) startHandler() bool {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	if b.closing {
		return false
	}
	b.handlerWG.Add(1)
	return true
}

// stopHandlers rejects new interaction handlers, so handlerWG can be
// waited on
func (b *ByteBuddy) stopHandlers() {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	b.closing = true
}

// pruneRateLimits drops expired rate limit records every interval,
// until ctx is canceled
func (b *ByteBuddy) pruneRateLimits(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := b.session.PruneRateLimits(); n > 0 {
				b.logger.DebugContext(ctx, "pruned rate limit records", "count", n)
			}
		}
	}
}

// shutdown stops accepting interactions, waits for in-flight handlers
// (up to the shutdown timeout) and closes the gateway connection.
func (b *ByteBuddy) shutdown(ctx context.Context) error {
	logger := b.logger
	logger.WarnContext(ctx, "shutting down")

	b.discord.removeHandlers()
	b.stopHandlers()

	done := make(chan struct{})
	go func() {
		b.handlerWG.Wait()
		close(done)
	}()

	var timedOut bool
	select {
	case <-done:
		logger.InfoContext(ctx, "in-flight interactions finished")
	case <-time.After(b.config.ShutdownTimeout):
		timedOut = true
		logger.WarnContext(
			ctx,
			"timed out waiting on in-flight interactions",
			"in_flight", b.session.Stats().RequestsInFlight,
		)
	}

	if err := b.discord.session.Close(); err != nil {
		logger.ErrorContext(ctx, "error closing discord connection", tint.Err(err))
		return err
	}
	if timedOut {
		return errors.New("shutdown timed out waiting on in-flight interactions")
	}
	return nil
}

// ignoreCanceled returns nil for context cancellation, which is how a
// normal shutdown starts
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
