package capture

import (
	"context"
	"time"

	"go.uber.org/zap"

	"veritas/api/internal/logging"
)

// OverlaySource reads a user's overlay permission flag.
type OverlaySource interface {
	Overlay(ctx context.Context, userID string) (bool, error)
}

type OverlayChecker struct {
	source  OverlaySource
	timeout time.Duration
	log     *zap.Logger
}

func NewOverlayChecker(source OverlaySource, logger *zap.Logger) *OverlayChecker {
	return &OverlayChecker{source: source, timeout: 5 * time.Second, log: logging.OrNop(logger)}
}

// Allowed reports whether userID may show the overlay. Every failure reads as false.
func (c *OverlayChecker) Allowed(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	allowed, err := c.source.Overlay(ctx, userID)
	if err != nil {
		c.log.Warn("capture: overlay lookup failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return allowed
}
