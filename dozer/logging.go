package dozer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jackc/pgx/v5/tracelog"
)

const loggerNameKey = "logger"

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
}

// discordgoLoggerFunc adapts discordgo's printf-style global logger to a
// structured handler.
func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler).With(loggerNameKey, "discordgo")
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

// pgxSlogger bridges pgx's tracelog output into slog, promoting queries
// slower than SlowThreshold to warnings.
type pgxSlogger struct {
	logger        *slog.Logger
	SlowThreshold time.Duration
}

func newPgxSlogger(
	handler slog.Handler,
	slowThreshold time.Duration,
) *pgxSlogger {
	return &pgxSlogger{
		logger: slog.New(handler).With(
			loggerNameKey,
			"pgx",
		), SlowThreshold: slowThreshold,
	}
}

var pgxLogLevels = map[tracelog.LogLevel]slog.Level{
	tracelog.LogLevelTrace: slog.LevelDebug,
	tracelog.LogLevelDebug: slog.LevelDebug,
	tracelog.LogLevelInfo:  slog.LevelDebug,
	tracelog.LogLevelWarn:  slog.LevelWarn,
	tracelog.LogLevelError: slog.LevelError,
}

func (p pgxSlogger) Log(
	ctx context.Context,
	level tracelog.LogLevel,
	msg string,
	data map[string]any,
) {
	slogLevel, ok := pgxLogLevels[level]
	if !ok {
		slogLevel = slog.LevelInfo
	}

	attrs := make([]slog.Attr, 0, len(data))
	for k, v := range data {
		attrs = append(attrs, slog.Any(k, v))
	}

	if elapsed, ok := data["time"].(time.Duration); ok {
		if p.SlowThreshold != 0 && elapsed > p.SlowThreshold {
			p.logger.LogAttrs(ctx, slog.LevelWarn, "slow sql", attrs...)
			return
		}
	}
	p.logger.LogAttrs(ctx, slogLevel, msg, attrs...)
}

var _ tracelog.Logger = (*pgxSlogger)(nil)
