package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"cdcflow/internal/logging"

	"github.com/IBM/sarama"
	"github.com/twmb/franz-go/pkg/kgo"
)

var saramaLoggerOnce sync.Once

// installSaramaLogger routes sarama's package-level logger into slog at
// debug level; sarama is chatty about routine metadata refreshes.
func installSaramaLogger() {
	saramaLoggerOnce.Do(func() {
		sarama.Logger = saramaLogger{}
	})
}

type saramaLogger struct{}

func (saramaLogger) Print(v ...any) {
	logging.L().Debug(strings.TrimSpace(fmt.Sprint(v...)), "lib", "sarama")
}

func (saramaLogger) Printf(format string, v ...any) {
	logging.L().Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), "lib", "sarama")
}

func (saramaLogger) Println(v ...any) {
	logging.L().Debug(strings.TrimSpace(fmt.Sprintln(v...)), "lib", "sarama")
}

var _ kgo.Logger = kgoLogger{}

type kgoLogger struct{}

func (kgoLogger) Level() kgo.LogLevel {
	l := logging.L()
	switch {
	case l.Enabled(context.Background(), slog.LevelDebug):
		return kgo.LogLevelDebug
	case l.Enabled(context.Background(), slog.LevelInfo):
		return kgo.LogLevelInfo
	case l.Enabled(context.Background(), slog.LevelWarn):
		return kgo.LogLevelWarn
	default:
		return kgo.LogLevelError
	}
}

func (kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	logging.L().Log(context.Background(), fromKgoLevel(level), msg, append(keyvals, "lib", "franz-go")...)
}

func fromKgoLevel(level kgo.LogLevel) slog.Level {
	switch level {
	case kgo.LogLevelDebug:
		return slog.LevelDebug
	case kgo.LogLevelInfo:
		return slog.LevelInfo
	case kgo.LogLevelWarn:
		return slog.LevelWarn
	case kgo.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
