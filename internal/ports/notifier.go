package ports

import "context"

// Alerter avisa al operador de fallos que no pueden quedar silenciosos.
type Alerter interface {
	// Alert emite una alerta operacional con atributos clave/valor.
	Alert(ctx context.Context, msg string, attrs ...any)
}
