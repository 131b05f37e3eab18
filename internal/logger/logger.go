package logger

import (
	"strings"

	"go.uber.org/zap"
)

// Logger wraps a zap sugared logger with key/value helpers that redact secrets.
type Logger struct {
	SugaredLogger *zap.SugaredLogger
}

// New builds a logger for the given mode ("dev" or "prod").
func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "dev", "development", "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{SugaredLogger: z.Sugar()}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}

func (l *Logger) Debug(msg string, keysAndValues ...any) {
	l.SugaredLogger.Debugw(msg, sanitize(keysAndValues)...)
}

func (l *Logger) Info(msg string, keysAndValues ...any) {
	l.SugaredLogger.Infow(msg, sanitize(keysAndValues)...)
}

func (l *Logger) Warn(msg string, keysAndValues ...any) {
	l.SugaredLogger.Warnw(msg, sanitize(keysAndValues)...)
}

func (l *Logger) Error(msg string, keysAndValues ...any) {
	l.SugaredLogger.Errorw(msg, sanitize(keysAndValues)...)
}

func (l *Logger) With(keysAndValues ...any) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(sanitize(keysAndValues)...)}
}

func sanitize(kv []any) []any {
	if len(kv) == 0 {
		return kv
	}
	out := make([]any, 0, len(kv))
	for i := 0; i < len(kv); i += 2 {
		if i == len(kv)-1 {
			out = append(out, kv[i])
			break
		}
		key, _ := kv[i].(string)
		if isSecretKey(key) {
			out = append(out, key, "[REDACTED]")
			continue
		}
		out = append(out, kv[i], kv[i+1])
	}
	return out
}

func isSecretKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false
	}
	for _, frag := range []string{"token", "authorization", "password", "secret", "api_key", "apikey"} {
		if strings.Contains(key, frag) {
			return true
		}
	}
	return false
}
