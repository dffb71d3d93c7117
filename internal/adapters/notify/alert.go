package notify

import (
	"context"
	"log/slog"
)

// LogAlerter implementa ports.Alerter escribiendo a slog en nivel error.
// Es el canal por defecto cuando no hay un destino externo configurado.
type LogAlerter struct {
	logger *slog.Logger
}

// NewLogAlerter crea un alerter sobre logger; nil usa slog.Default().
func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlerter{logger: logger.With("alert", true)}
}

// Alert emite msg con attrs.
func (a *LogAlerter) Alert(ctx context.Context, msg string, attrs ...any) {
	a.logger.ErrorContext(ctx, msg, attrs...)
}
