package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger is the process logger. It is nil until Init runs.
	Logger *logrus.Logger

	currentLogFile string
	fileSink       io.Writer
	fullSink       io.Writer
	logMu          sync.Mutex
)

// Config controls the level and the optional rotating file sink.
type Config struct {
	Level      string // debug, info, warn, error
	OutputFile string // empty means console only
	MaxSize    int    // MB per file before rotation
	MaxBackups int
	MaxAge     int // days
	Compress   bool
	NoConsole  bool // file only, used while a full-screen view owns the terminal
}

func textFormatter() *logrus.TextFormatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05",
		ForceColors:     true,
	}
}

// Init builds the logger and mirrors its output onto the logrus standard
// logger, so module loggers created with logrus.WithField share the sinks.
func Init(config Config) error {
	logMu.Lock()
	defer logMu.Unlock()

	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(textFormatter())

	var writers []io.Writer
	fileSink = nil
	if !config.NoConsole {
		writers = append(writers, os.Stdout)
	}

	if config.OutputFile != "" {
		if err := os.MkdirAll(filepath.Dir(config.OutputFile), 0o755); err != nil {
			return err
		}
		fileSink = &lumberjack.Logger{
			Filename:   config.OutputFile,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		writers = append(writers, fileSink)
		currentLogFile = config.OutputFile
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	multiWriter := io.MultiWriter(writers...)
	fullSink = multiWriter
	logger.SetOutput(multiWriter)

	logrus.SetOutput(multiWriter)
	logrus.SetLevel(level)
	logrus.SetFormatter(textFormatter())

	Logger = logger
	return nil
}

// InitDefault logs at info level to stdout and logs/trader.log.
func InitDefault() error {
	return Init(Config{
		Level:      "info",
		OutputFile: "logs/trader.log",
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	})
}

func Debugf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Debugf(format, args...)
	}
}

func Info(args ...interface{}) {
	if Logger != nil {
		Logger.Info(args...)
	}
}

func Infof(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Infof(format, args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Warnf(format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Errorf(format, args...)
	}
}

// WithField returns an entry on the process logger, or on a throwaway
// logger when Init has not run yet.
func WithField(key string, value interface{}) *logrus.Entry {
	if Logger != nil {
		return Logger.WithField(key, value)
	}
	return logrus.NewEntry(logrus.New())
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	if Logger != nil {
		return Logger.WithFields(fields)
	}
	return logrus.NewEntry(logrus.New())
}

// CurrentLogFile reports the file sink path, empty when logging to console only.
func CurrentLogFile() string {
	logMu.Lock()
	defer logMu.Unlock()
	return currentLogFile
}

// SuspendConsole sends log output to the file sink only, until the returned
// func is called. Full-screen views use it so log lines do not tear the
// screen.
func SuspendConsole() (restore func()) {
	logMu.Lock()
	defer logMu.Unlock()
	if fullSink == nil {
		return func() {}
	}
	quiet := io.Writer(io.Discard)
	if fileSink != nil {
		quiet = fileSink
	}
	setOutput(quiet)
	full := fullSink
	return func() {
		logMu.Lock()
		defer logMu.Unlock()
		setOutput(full)
	}
}

func setOutput(w io.Writer) {
	if Logger != nil {
		Logger.SetOutput(w)
	}
	logrus.SetOutput(w)
}
