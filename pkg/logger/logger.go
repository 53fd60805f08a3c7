package logger

import "context"

type Logger interface {
	Error(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Debug(ctx context.Context, msg string, args ...any)
}

// nop discards every log line; used where a caller doesn't supply a Logger.
type nop struct{}

func (nop) Error(context.Context, string, ...any) {}
func (nop) Warn(context.Context, string, ...any)  {}
func (nop) Info(context.Context, string, ...any)  {}
func (nop) Debug(context.Context, string, ...any) {}

// Nop returns a Logger that discards everything written to it.
func Nop() Logger { return nop{} }
