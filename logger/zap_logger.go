package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ddasdkimo/keyvalueserver/types"
	"github.com/ddasdkimo/keyvalueserver/utils"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"

	OutputStdout = "stdout"
	OutputStderr = "stderr"
	OutputFile   = "file"
)

// Options is the free-form logger.config block.
type Options struct {
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
	File   string `yaml:"file" json:"file"`
}

// NewDefaultLogger builds the zap logger for a service mode. Development
// logs colored console lines with clickable callers and keeps every debug
// entry; production logs sampled JSON. logger.config can override the
// format and send output to stderr or a file.
func NewDefaultLogger(config *types.LoggerConfig, mode string) (types.Logger, error) {
	options := Options{Format: FormatJSON, Output: OutputStdout}
	if mode == types.ModeDevelopment {
		options.Format = FormatConsole
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, &options); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal logger config")
		}
	}

	zapConfig := baseConfig(mode, options.Format)
	zapConfig.Level = zap.NewAtomicLevelAt(parseLogLevel(config.Level))

	if err := routeOutput(&zapConfig, options); err != nil {
		return nil, err
	}

	base, err := zapConfig.Build(zap.AddCaller())
	if err != nil {
		return nil, types.WrapError(err, "failed to create logger")
	}

	l := NewZapLogger(base)

	l.Info("Logger initialized",
		zap.String("mode", mode),
		zap.String("level", zapConfig.Level.String()),
		zap.String("format", options.Format),
		zap.String("output", options.Output),
	)

	return l, nil
}

func baseConfig(mode, format string) zap.Config {
	var zapConfig zap.Config
	if mode == types.ModeDevelopment {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.Encoding = FormatJSON
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == FormatConsole {
		zapConfig.Encoding = FormatConsole
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapConfig.EncoderConfig.EncodeCaller = fullCallerEncoder
	}

	// Errors carry their own pkg/errors stack, see ErrorWithErrStack.
	zapConfig.DisableStacktrace = true

	return zapConfig
}

func routeOutput(zapConfig *zap.Config, options Options) error {
	switch options.Output {
	case OutputStderr:
		zapConfig.OutputPaths = []string{"stderr"}
		zapConfig.ErrorOutputPaths = []string{"stderr"}
	case OutputFile:
		if err := ensureLogDir(options.File); err != nil {
			return err
		}
		zapConfig.OutputPaths = []string{options.File}
		zapConfig.ErrorOutputPaths = []string{options.File}
	default:
		zapConfig.OutputPaths = []string{"stdout"}
		zapConfig.ErrorOutputPaths = []string{"stderr"}
	}
	return nil
}

func fullCallerEncoder(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(fmt.Sprintf("%s:%d", caller.File, caller.Line))
}

// parseLogLevel accepts zap's level names plus "warning"; anything else is
// info.
func parseLogLevel(level string) zapcore.Level {
	level = strings.ToLower(level)
	if level == "warning" {
		level = "warn"
	}

	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return parsed
}

func ensureLogDir(logFile string) error {
	if logFile == "" {
		return types.ErrLogFileIsEmpty
	}

	return types.WrapError(os.MkdirAll(filepath.Dir(logFile), 0o755), "access denied to log directory")
}

// ZapLogger is the types.Logger over zap. Callers are reported two frames
// up, past the logger Manager that usually fronts it.
type ZapLogger struct {
	base    *zap.Logger
	skipped *zap.Logger
}

func NewZapLogger(base *zap.Logger) *ZapLogger {
	return &ZapLogger{base: base, skipped: base.WithOptions(zap.AddCallerSkip(2))}
}

// NewNop returns a logger that discards everything.
func NewNop() types.Logger {
	return NewZapLogger(zap.NewNop())
}

func (z *ZapLogger) Error(msg string, fields ...zap.Field) {
	z.skipped.Error(msg, fields...)
}

func (z *ZapLogger) Warn(msg string, fields ...zap.Field) {
	z.skipped.Warn(msg, fields...)
}

func (z *ZapLogger) Info(msg string, fields ...zap.Field) {
	z.skipped.Info(msg, fields...)
}

func (z *ZapLogger) Debug(msg string, fields ...zap.Field) {
	z.skipped.Debug(msg, fields...)
}

func (z *ZapLogger) Log(lvl zapcore.Level, msg string, fields ...zap.Field) {
	z.skipped.Log(lvl, msg, fields...)
}

// ErrorWithErrStack logs the root cause at error level and, at debug, the
// stack recorded by pkg/errors when the error was created.
func (z *ZapLogger) ErrorWithErrStack(msg string, err error, fields ...zap.Field) {
	if err == nil {
		z.Error(msg, fields...)
		return
	}

	allFields := make([]zap.Field, 0, len(fields)+1)
	allFields = append(allFields, zap.String("error", errors.Cause(err).Error()))
	allFields = append(allFields, fields...)

	z.skipped.Error(msg, allFields...)

	if stack := stackOf(err); stack != "" {
		z.skipped.Debug("Error stack", zap.Strings("stack", prettyStack(stack)))
	}
}

func (z *ZapLogger) Sync() error {
	return z.base.Sync()
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// stackOf prefers the innermost recorded stack: the one closest to where
// the failure happened.
func stackOf(err error) string {
	var stack string
	if st, ok := err.(stackTracer); ok {
		stack = fmt.Sprintf("%+v", st.StackTrace())
	}
	if st, ok := errors.Cause(err).(stackTracer); ok {
		stack = fmt.Sprintf("%+v", st.StackTrace())
	}
	return stack
}

// prettyStack trims a pkg/errors stack down to frames worth reading.
func prettyStack(stack string) []string {
	lines := strings.Split(stack, "\n")
	frames := make([]string, 0, len(lines))

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.Contains(line, "types.WrapError") ||
			strings.Contains(line, "types.Errorf") ||
			strings.Contains(line, "types/errors.go:") ||
			strings.Contains(line, "runtime.goexit") ||
			strings.Contains(line, "asm_amd64.s:") {
			continue
		}

		frames = append(frames, line)
	}

	return frames
}
