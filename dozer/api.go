package dozer

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
)

const (
	xRequestIDHeader = "X-Request-ID"

	apiPathHealth   = "/api/health"
	apiPathStatus   = "/api/status"
	apiPathTables   = "/api/tables"
	apiPathCommands = "/api/commands"
	apiPathQuit     = "/api/quit"
)

var structValidator = validator.New()

func init() {
	structValidator.SetTagName("binding")
}

// API is the read-only status server: health, uptime/connection state,
// table versions and cache counters, plus a quit endpoint for
// supervised restarts. It binds to loopback by default and carries no
// authentication; anything wider is the operator's call.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger
	d                *Dozer
}

// newAPI initializes the status API: gin engine, middleware, routes and
// the underlying HTTP server.
func newAPI(d *Dozer, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	if config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		d:              d,
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	if config.SSL.Cert != "" || config.SSL.Key != "" {
		tlsCfg, err := tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer
	api.logger = setupLogger.With(loggerNameKey, "api")

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && api.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
	)
	// cors.New rejects a config with no origins at all, and with none
	// configured the API is same-origin only anyway.
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}

	r.GET(apiPathHealth, api.healthCheck)
	r.GET(apiPathStatus, api.botStatus)
	r.GET(apiPathTables, api.tableVersions)
	r.GET(apiPathCommands, api.commandList)
	r.POST(apiPathQuit, api.botQuit)

	return api, nil
}

// Serve listens on the configured address and serves until the server is
// shut down or the listener fails.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.Info("API listening", "address", a.listener.Addr().String())
	err := a.httpServer.Serve(a.listener)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type botStatusResponse struct {
	Connected      bool           `json:"connected"`
	UptimeSeconds  float64        `json:"uptime_seconds"`
	Guilds         int            `json:"guilds"`
	Connects       int64          `json:"connects"`
	Disconnects    int64          `json:"disconnects"`
	Messages       int64          `json:"messages"`
	Commands       int64          `json:"commands"`
	CommandErrors  int64          `json:"command_errors"`
	Caches         map[string]int `json:"caches"`
	RequestMetrics map[string]int `json:"request_metrics"`
}

func (a *API) botStatus(c *gin.Context) {
	d := a.d

	guilds := 0
	if d.discord != nil && d.discord.session != nil {
		if state := d.discord.session.SessionState(); state != nil {
			guilds = len(state.Guilds)
		}
	}

	caches := map[string]int{}
	d.cacheMu.Lock()
	for table, cache := range d.caches {
		caches[table] = cache.Len()
	}
	d.cacheMu.Unlock()

	a.requestMetricsMu.Lock()
	requestMetrics := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		requestMetrics[k] = v
	}
	a.requestMetricsMu.Unlock()

	c.JSON(
		http.StatusOK, botStatusResponse{
			Connected:      d.discord.connected.Load(),
			UptimeSeconds:  d.Uptime().Seconds(),
			Guilds:         guilds,
			Connects:       d.discord.metricConnects.Load(),
			Disconnects:    d.discord.metricDisconnects.Load(),
			Messages:       d.metricMessages.Load(),
			Commands:       d.metricCommands.Load(),
			CommandErrors:  d.metricCommandErrors.Load(),
			Caches:         caches,
			RequestMetrics: requestMetrics,
		},
	)
}

type tableVersionsResponse struct {
	Defined map[string]int `json:"defined"`
	Stored  map[string]int `json:"stored"`
}

func (a *API) tableVersions(c *gin.Context) {
	defined := map[string]int{}
	for _, schema := range a.d.registry.Tables() {
		defined[schema.Name] = schema.LatestVersion()
	}

	stored, err := a.d.store.StoredVersions(c.Request.Context())
	if err != nil {
		ginContextLogger(c).Error("error reading stored versions", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "error reading stored versions"})
		return
	}
	c.JSON(http.StatusOK, tableVersionsResponse{Defined: defined, Stored: stored})
}

type commandInfo struct {
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
	Help    string   `json:"help,omitempty"`
	Example string   `json:"example,omitempty"`
}

func (a *API) commandList(c *gin.Context) {
	commands := make([]commandInfo, 0, len(a.d.commands))
	for _, cmd := range a.d.Commands() {
		commands = append(
			commands, commandInfo{
				Name:    cmd.Name,
				Aliases: cmd.Aliases,
				Help:    cmd.Help,
				Example: cmd.Example,
			},
		)
	}
	c.JSON(http.StatusOK, gin.H{"commands": commands})
}

func (a *API) botQuit(c *gin.Context) {
	a.logger.Warn("quit requested", "remote_addr", c.Request.RemoteAddr)
	c.JSON(http.StatusAccepted, gin.H{"status": "stopping"})
	a.d.Stop()
}

func generateRandomHexString(n int) (string, error) {
	b := make([]byte, n/2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// requestIDMiddleware generates a Gin middleware function that assigns a
// unique request ID to each incoming request.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging HTTP
// requests: method, path, status and duration, plus any gin errors.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf(
					"%s %s",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware counts requests per method/path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s %s", c.Request.Method, c.FullPath())
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}
