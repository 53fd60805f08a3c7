package slog_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	rawslog "log/slog"

	"github.com/stretchr/testify/require"

	"github.com/lqdb/lqdb/pkg/logger/slog"
)

type testMethod struct {
	fn    func(ctx context.Context, msg string, args ...any)
	level rawslog.Level
}

var (
	logText         = "Test Log Value"
	customFieldName = "Somekey"
	customFieldVal  any = "SomeVal"
)

type testLogJSON struct {
	Time  time.Time `json:"time"`
	Level string    `json:"level"`
	Msg   string    `json:"msg"`
	// slog writes the key as customFieldName ("Somekey"); encoding/json
	// matches this lower-case tag to it case-insensitively.
	CustomVal any `json:"somekey"`
}

func TestLogger(t *testing.T) {
	buffer := bytes.NewBuffer(nil)
	handler := rawslog.NewJSONHandler(buffer, &rawslog.HandlerOptions{Level: rawslog.LevelDebug})
	l := slog.New(handler)
	ctx := context.Background()

	methods := []testMethod{
		{fn: l.Error, level: rawslog.LevelError},
		{fn: l.Warn, level: rawslog.LevelWarn},
		{fn: l.Info, level: rawslog.LevelInfo},
		{fn: l.Debug, level: rawslog.LevelDebug},
	}

	for _, m := range methods {
		t.Run(fmt.Sprintf("level_%s", m.level), func(t *testing.T) {
			buffer.Reset()
			m.fn(ctx, logText, customFieldName, customFieldVal)

			var got testLogJSON
			require.NoError(t, json.Unmarshal(buffer.Bytes(), &got))
			require.Equal(t, m.level.String(), got.Level)
			require.Equal(t, logText, got.Msg)
			require.Equal(t, customFieldVal, got.CustomVal)
		})
	}
}
