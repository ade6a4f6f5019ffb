package wallet

import (
	"context"
	"fmt"
	"log/slog"
)

// Detect returns the first available provider in preference order.
// Selection happens once at session start; callers must not re-probe mid-session.
func Detect(ctx context.Context, logger *slog.Logger, candidates ...Provider) (Provider, error) {
	for _, p := range candidates {
		if p == nil {
			continue
		}
		if p.Available(ctx) {
			logger.DebugContext(ctx, "wallet provider detected", "kind", p.Kind())
			return p, nil
		}
		logger.DebugContext(ctx, "wallet provider not available", "kind", p.Kind())
	}
	return nil, fmt.Errorf("%w: none of %d candidates responded", ErrNotInstalled, len(candidates))
}
