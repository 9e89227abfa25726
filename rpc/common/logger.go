package common

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// dMapLogger implements the ILogger interface on top of a zap sugared logger
type dMapLogger struct {
	level zap.AtomicLevel
	sugar *zap.SugaredLogger
}

func (l *dMapLogger) SetLevel(level logger.LogLevel) {
	l.level.SetLevel(toZapLevel(level))
}

func (l *dMapLogger) Debugf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l *dMapLogger) Infof(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

func (l *dMapLogger) Warningf(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *dMapLogger) Errorf(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

func (l *dMapLogger) Panicf(format string, args ...interface{}) {
	l.sugar.Panicf(format, args...)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

var (
	encoder = zapcore.NewConsoleEncoder(func() zapcore.EncoderConfig {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return cfg
	}())
	sink     = zapcore.Lock(os.Stdout)
	initOnce sync.Once
)

// CreateLogger implements the dragonboat logger.Factory
func CreateLogger(pkgName string) logger.ILogger {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	core := zapcore.NewCore(encoder, sink, level)
	return &dMapLogger{
		level: level,
		sugar: zap.New(core).Named(pkgName).Sugar(),
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// toZapLevel converts a dragonboat level to the zap level
func toZapLevel(level logger.LogLevel) zapcore.Level {
	switch level {
	case logger.DEBUG:
		return zapcore.DebugLevel
	case logger.INFO, logger.NOTICE:
		return zapcore.InfoLevel
	case logger.WARNING:
		return zapcore.WarnLevel
	case logger.ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.PanicLevel
	}
}

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "", "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return logger.INFO, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

var (
	// raftLoggers are the loggers of dragonboat itself
	raftLoggers = []string{"raft", "raftdb", "rsm", "transport", "dragonboat", "grpc", "util", "logdb", "config"}
	// appLoggers are the loggers of this module
	appLoggers = []string{"recordstore", "txn", "query", "nearcache", "mapservice", "cluster", "metastore", "mapstore", "rpc-server", "rpc-client", "transport/rpc"}
)

// InitLoggers installs the zap backed logger factory (once per process) and
// sets the levels of all known loggers.
func InitLoggers(logLevel, raftLogLevel string) error {
	appLevel, err := ParseLogLevel(logLevel)
	if err != nil {
		return err
	}
	raftLevel, err := ParseLogLevel(raftLogLevel)
	if err != nil {
		return err
	}

	// Set as the global logger factory for Dragonboat
	initOnce.Do(func() { logger.SetLoggerFactory(CreateLogger) })

	for _, name := range raftLoggers {
		logger.GetLogger(name).SetLevel(raftLevel)
	}
	for _, name := range appLoggers {
		logger.GetLogger(name).SetLevel(appLevel)
	}
	return nil
}
