package temporal

import (
	"github.com/rs/zerolog"
	"go.temporal.io/sdk/log"
)

// Adapter routes SDK logs through zerolog.
type Adapter struct {
	logger zerolog.Logger
}

var (
	_ log.Logger     = (*Adapter)(nil)
	_ log.WithLogger = (*Adapter)(nil)
)

func NewAdapter(logger zerolog.Logger) *Adapter {
	return &Adapter{
		logger: logger.With().Str("component", "temporal_sdk").Logger(),
	}
}

func fields(event *zerolog.Event, keyvals []interface{}) *zerolog.Event {
	if len(keyvals)%2 != 0 {
		keyvals = append(keyvals, "MISSING_VALUE")
	}
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = "INVALID_KEY"
		}
		if err, isErr := keyvals[i+1].(error); isErr {
			event = event.AnErr(key, err)
			continue
		}
		event = event.Interface(key, keyvals[i+1])
	}
	return event
}

func (a *Adapter) Debug(msg string, keyvals ...interface{}) {
	fields(a.logger.Debug(), keyvals).Msg(msg)
}

func (a *Adapter) Info(msg string, keyvals ...interface{}) {
	fields(a.logger.Info(), keyvals).Msg(msg)
}

func (a *Adapter) Warn(msg string, keyvals ...interface{}) {
	fields(a.logger.Warn(), keyvals).Msg(msg)
}

func (a *Adapter) Error(msg string, keyvals ...interface{}) {
	fields(a.logger.Error(), keyvals).Msg(msg)
}

// With returns a logger that always carries keyvals.
func (a *Adapter) With(keyvals ...interface{}) log.Logger {
	if len(keyvals)%2 != 0 {
		keyvals = append(keyvals, "MISSING_VALUE")
	}
	ctx := a.logger.With()
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = "INVALID_KEY"
		}
		ctx = ctx.Interface(key, keyvals[i+1])
	}
	return &Adapter{logger: ctx.Logger()}
}
