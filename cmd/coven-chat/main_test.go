// ABOUTME: Tests for coven-chat command helpers
// ABOUTME: Covers token flag parsing, generated config and the color log handler

package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
)

func TestParseTokenArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    tokenArgs
		wantErr string
	}{
		{name: "separate value", args: []string{"--user", "alice"}, want: tokenArgs{userID: "alice", ttl: defaultTokenTTL}},
		{name: "equals value", args: []string{"--user=bob", "--ttl=1h"}, want: tokenArgs{userID: "bob", ttl: time.Hour}},
		{name: "short flag", args: []string{"-u", "carol", "--ttl", "90m"}, want: tokenArgs{userID: "carol", ttl: 90 * time.Minute}},
		{name: "missing user", args: []string{"--ttl", "1h"}, wantErr: "--user flag is required"},
		{name: "blank user", args: []string{"--user", "  "}, wantErr: "--user flag is required"},
		{name: "dangling flag", args: []string{"--user"}, wantErr: "--user requires a value"},
		{name: "bad ttl", args: []string{"--user", "a", "--ttl", "soon"}, wantErr: "invalid --ttl"},
		{name: "negative ttl", args: []string{"--user", "a", "--ttl", "-1h"}, wantErr: "--ttl must be positive"},
		{name: "unknown flag", args: []string{"--name", "a"}, wantErr: "unknown flag"},
		{name: "positional", args: []string{"alice"}, wantErr: "unexpected argument"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTokenArgs(tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderConfigLoads(t *testing.T) {
	secret, err := generateSecret()
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "chat.yaml")
	content := renderConfig("127.0.0.1:9000", "127.0.0.1:9001", filepath.Join(dir, "chat.db"), secret, "debug", "json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, "127.0.0.1:9001", cfg.Server.GRPCAddr)
	assert.Equal(t, secret, cfg.Auth.JWTSecret)
	assert.Equal(t, config.DefaultDedupeTTL, cfg.Messaging.DedupeTTL)
	assert.Equal(t, config.DefaultPingInterval, cfg.Messaging.PingInterval)
	assert.True(t, cfg.Notifications.Store)
	assert.True(t, cfg.Metrics.Enabled)

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate("alice", time.Hour)
	require.NoError(t, err)
	userID, err := auth.NewJWTVerifier([]byte(secret)).Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo)).With("component", "session")

	logger.Debug("hidden")
	logger.WithGroup("frame").Warn("frame rejected", "reason", "invalid json")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "frame rejected")
	assert.Contains(t, out, " component=")
	assert.NotContains(t, out, "frame.component")
	assert.Contains(t, out, "session")
	assert.Contains(t, out, "frame.reason=")
	assert.Contains(t, out, "invalid json")
}
