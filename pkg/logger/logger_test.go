package logger_test

import (
	"context"
	"testing"

	"github.com/lqdb/lqdb/pkg/logger"
)

func TestNopSatisfiesInterfaceAndDiscards(t *testing.T) {
	var l logger.Logger = logger.Nop()
	ctx := context.Background()
	// None of these should panic; there is nothing else observable about
	// a no-op logger.
	l.Error(ctx, "boom", "key", "val")
	l.Warn(ctx, "careful")
	l.Info(ctx, "fyi")
	l.Debug(ctx, "trace")
}
