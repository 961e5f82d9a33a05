package core

import "context"

// ShutdownFunc is a cleanup handler run during graceful shutdown.
// Implementations should honor ctx's deadline and be safe to call twice.
type ShutdownFunc func(ctx context.Context) error
