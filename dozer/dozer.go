package dozer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// defaultLogWriter is where all loggers write. Variable so tests can
// capture output.
var defaultLogWriter io.Writer = os.Stdout

// Version information, set at build time via ldflags.
var (
	Version   = "dev"
	CommitSHA = ""
	BuildTime = ""
)

const (
	embedColorBlue  = 0x3498db
	embedColorGreen = 0x2ecc71
	embedColorRed   = 0xe74c3c
)

// MessageListener observes every non-bot message before command
// dispatch, whether or not the message carries the command prefix.
type MessageListener func(ctx context.Context, m *discordgo.MessageCreate)

// Dozer is the bot: gateway connection, command dispatcher, record
// store, and status API, wired together by [Dozer.Run].
type Dozer struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	registry *Registry
	pool     *pgxpool.Pool
	store    *Store

	discord *Discord
	api     *API

	commands map[string]*Command
	aliases  map[string]string

	listeners       []MessageListener
	gatewayHandlers []any

	cacheMu sync.Mutex
	caches  map[string]*ConfigCache

	limiterMu    sync.Mutex
	userLimiters map[string]*rate.Limiter

	cooldownMu sync.Mutex
	cooldowns  map[string]time.Time

	metricMessages      atomic.Int64
	metricCommands      atomic.Int64
	metricCommandErrors atomic.Int64

	startedAt time.Time

	runMu      sync.Mutex
	signalStop chan struct{}
	stopOnce   sync.Once

	// signalReady receives once startup finishes, for tests that need to
	// wait on a running bot.
	signalReady chan struct{}
}

// New creates a Dozer instance from the given config and registers the
// built-in cogs. The bot does nothing until [Dozer.Run] is called.
func New(config *Config) (*Dozer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	d := &Dozer{
		config:       config,
		registry:     NewRegistry(),
		commands:     map[string]*Command{},
		aliases:      map[string]string{},
		caches:       map[string]*ConfigCache{},
		userLimiters: map[string]*rate.Limiter{},
		cooldowns:    map[string]time.Time{},
		signalStop:   make(chan struct{}),
		signalReady:  make(chan struct{}, 1),
	}

	d.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     d.config.LogLevel,
			AddSource: true,
		},
	)
	d.logger = slog.New(d.logHandler).With(loggerNameKey, "dozer")

	discord, err := newDiscord(config.Discord)
	if err != nil {
		return nil, err
	}
	discord.d = d
	discord.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")
	d.discord = discord

	if err = d.RegisterCommand(d.helpCommand()); err != nil {
		return nil, err
	}
	if err = registerInfoCog(d); err != nil {
		return nil, err
	}
	if err = registerVoiceCog(d); err != nil {
		return nil, err
	}
	if config.TOA != nil && config.TOA.Enabled {
		if err = registerTOACog(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Registry exposes the table registry, so cogs can add their schemas
// before migrations run.
func (d *Dozer) Registry() *Registry {
	return d.registry
}

// Store returns the record store. Nil until [Dozer.Run] has connected to
// the database.
func (d *Dozer) Store() *Store {
	return d.store
}

// RegisterListener adds a message listener, run on every non-bot message.
func (d *Dozer) RegisterListener(listener MessageListener) {
	d.listeners = append(d.listeners, listener)
}

// RegisterGatewayHandler adds a raw discordgo event handler, attached to
// the session when Run starts it.
func (d *Dozer) RegisterGatewayHandler(handler any) {
	d.gatewayHandlers = append(d.gatewayHandlers, handler)
}

// Cache returns the read-through cache for the given table, creating it
// on first use. Only valid once Run has connected the store; commands
// and listeners never fire before that.
func (d *Dozer) Cache(table string) *ConfigCache {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	cache, ok := d.caches[table]
	if !ok {
		cache = NewConfigCache(d.store, table, d.logger)
		d.caches[table] = cache
	}
	return cache
}

// userLimiter returns the per-user rate limiter, creating it on first
// sight of the user. Limiters are never evicted; the footprint is a few
// words per user who has ever run a command.
func (d *Dozer) userLimiter(userID string) *rate.Limiter {
	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()
	limiter, ok := d.userLimiters[userID]
	if !ok {
		limiter = rate.NewLimiter(
			rate.Every(d.config.Discord.UserRateLimit),
			d.config.Discord.UserRateBurst,
		)
		d.userLimiters[userID] = limiter
	}
	return limiter
}

// Run validates the config, connects to the database, runs migrations,
// opens the gateway connection and (if enabled) the status API, then
// blocks until the context is canceled or [Dozer.Stop] is called.
func (d *Dozer) Run(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if err := ValidateConfig(d.config); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	startupCtx, cancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer cancel()

	discordgo.Logger = discordgoLoggerFunc(
		ctx,
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     d.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		),
	)

	dbHandler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     d.config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	pool, err := Connect(
		startupCtx,
		d.config.Database,
		dbHandler,
		d.config.DatabaseSlowThreshold,
	)
	if err != nil {
		return fmt.Errorf("error connecting to database: %w", err)
	}
	d.pool = pool
	d.store = NewStore(pool, d.registry, d.logger)

	if err = d.store.Migrate(startupCtx); err != nil {
		pool.Close()
		var migErr *MigrationError
		if errors.As(err, &migErr) {
			d.logger.Error(
				"migration failed",
				"table", migErr.Table,
				"version", migErr.Version,
				tint.Err(migErr.Err),
			)
		}
		return fmt.Errorf("error migrating database: %w", err)
	}

	session, err := d.discord.newSession()
	if err != nil {
		pool.Close()
		return err
	}
	d.discord.session = session

	removeFuncs := []func(){
		session.AddHandler(d.discord.handlerReady()),
		session.AddHandler(d.discord.handlerConnect()),
		session.AddHandler(d.discord.handlerDisconnect()),
		session.AddHandler(d.discord.handlerGuildCreate()),
		session.AddHandler(d.discord.handlerGuildDelete()),
		session.AddHandler(d.handlerMessageCreate()),
	}
	for _, handler := range d.gatewayHandlers {
		removeFuncs = append(removeFuncs, session.AddHandler(handler))
	}
	d.discord.discordgoRemoveHandlerFuncs = removeFuncs

	if err = session.Open(); err != nil {
		pool.Close()
		return fmt.Errorf("error opening discord session: %w", err)
	}

	d.startedAt = time.Now()
	d.logger.Info("bot started", "config", d.config)

	g, gctx := errgroup.WithContext(ctx)
	if d.config.API != nil && d.config.API.Enabled {
		api, apiErr := newAPI(d, d.config.API)
		if apiErr != nil {
			_ = session.Close()
			pool.Close()
			return apiErr
		}
		d.api = api
		g.Go(
			func() error {
				return api.Serve(gctx)
			},
		)
	}
	g.Go(
		func() error {
			select {
			case <-gctx.Done():
			case <-d.signalStop:
			}
			return nil
		},
	)

	select {
	case d.signalReady <- struct{}{}:
	default:
	}

	err = g.Wait()
	d.shutdown()
	return err
}

// Stop signals a running bot to shut down. Safe to call more than once,
// and from any goroutine.
func (d *Dozer) Stop() {
	d.stopOnce.Do(
		func() {
			close(d.signalStop)
		},
	)
}

// shutdown closes the gateway session, the status API and the connection
// pool, bounded by the configured shutdown timeout.
func (d *Dozer) shutdown() {
	ctx, cancel := context.WithTimeout(
		context.Background(),
		d.config.ShutdownTimeout,
	)
	defer cancel()

	d.logger.Info("shutting down")

	for _, removeHandler := range d.discord.discordgoRemoveHandlerFuncs {
		removeHandler()
	}
	if d.discord.session != nil {
		if err := d.discord.session.Close(); err != nil {
			d.logger.Error("error closing discord session", tint.Err(err))
		}
	}
	if d.api != nil {
		if err := d.api.Shutdown(ctx); err != nil {
			d.logger.Error("error stopping API server", tint.Err(err))
		}
	}
	if d.pool != nil {
		d.pool.Close()
	}
	d.logger.Info("shutdown complete")
}

// MigrateDatabase connects to the configured database and brings every
// built-in table to its latest schema version, without starting the bot.
func MigrateDatabase(ctx context.Context, config *Config) error {
	if config == nil {
		config = DefaultConfig()
	}
	registry := NewRegistry()
	for _, schema := range []*TableSchema{
		afkStatusSchema(),
		voicebindsSchema(),
	} {
		if err := registry.Register(schema); err != nil {
			return err
		}
	}

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	pool, err := Connect(ctx, config.Database, handler, config.DatabaseSlowThreshold)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := NewStore(pool, registry, slog.New(handler))
	return store.Migrate(ctx)
}

// Uptime reports how long the bot has been running, zero if it hasn't
// started.
func (d *Dozer) Uptime() time.Duration {
	if d.startedAt.IsZero() {
		return 0
	}
	return time.Since(d.startedAt)
}
