package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/1ureka/deskwire/internal/config"
)

// parseConfig runs a command carrying the session flags over args.
func parseConfig(t *testing.T, args ...string) (config.Config, error) {
	t.Helper()

	var (
		cfg config.Config
		err error
	)
	cmd := &cli.Command{
		Name:  "files",
		Flags: sessionFlags(),
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err = configFrom(cmd)
			return nil
		},
	}
	require.NoError(t, cmd.Run(context.Background(), append([]string{"files"}, args...)))
	return cfg, err
}

func TestConfigFromFlags(t *testing.T) {
	cfg, err := parseConfig(t, "--port", "9000", "--chunk-timeout", "3s", "--keep-alive", "0s")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.ControlPort)
	assert.Equal(t, 3*time.Second, cfg.ChunkTimeout)
	assert.Zero(t, cfg.KeepAliveInterval)
}

func TestConfigFromDefaults(t *testing.T) {
	cfg, err := parseConfig(t)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestConfigFromRejectsBadPort(t *testing.T) {
	_, err := parseConfig(t, "--port", "70000")
	assert.Error(t, err)
}
