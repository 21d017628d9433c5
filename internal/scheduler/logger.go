package scheduler

import (
	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// gocronLogger adapts zerolog to gocron.Logger.
type gocronLogger struct {
	logger zerolog.Logger
}

func newGocronLogger(logger zerolog.Logger) gocron.Logger {
	return &gocronLogger{logger: logger}
}

func (l *gocronLogger) Debug(msg string, args ...any) { l.log(l.logger.Debug(), msg, args) }
func (l *gocronLogger) Info(msg string, args ...any)  { l.log(l.logger.Info(), msg, args) }
func (l *gocronLogger) Warn(msg string, args ...any)  { l.log(l.logger.Warn(), msg, args) }
func (l *gocronLogger) Error(msg string, args ...any) { l.log(l.logger.Error(), msg, args) }

func (l *gocronLogger) log(event *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		if err, ok := args[i+1].(error); ok {
			event = event.AnErr(key, err)
			continue
		}
		event = event.Interface(key, args[i+1])
	}
	event.Msg(msg)
}
