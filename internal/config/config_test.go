package config

import (
	"errors"
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(discard{})
	return fs
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestParseSendDefaults(t *testing.T) {
	cfg, err := parseSendWithFlagSet(newTestFlagSet("send"), []string{"file.txt"})
	require.NoError(t, err)
	assert.Equal(t, DefaultServerURL, cfg.ServerURL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, []string{"file.txt"}, cfg.Paths)
	assert.False(t, cfg.PQ)
	assert.False(t, cfg.Stdin())
}

func TestParseSendFlags(t *testing.T) {
	cfg, err := parseSendWithFlagSet(newTestFlagSet("send"), []string{
		"--pq", "--yes",
		"--server-url", "wss://relay.example/ws",
		"--exclude", "*.log", "--exclude", "*.tmp",
		"dir1", "dir2",
	})
	require.NoError(t, err)
	assert.True(t, cfg.PQ)
	assert.True(t, cfg.Yes)
	assert.Equal(t, "wss://relay.example/ws", cfg.ServerURL)
	assert.Equal(t, []string{"*.log", "*.tmp"}, cfg.Exclude)
	assert.Equal(t, []string{"dir1", "dir2"}, cfg.Paths)
}

func TestParseSendStdin(t *testing.T) {
	cfg, err := parseSendWithFlagSet(newTestFlagSet("send"), []string{"--size", "1024", "-"})
	require.NoError(t, err)
	assert.True(t, cfg.Stdin())
	assert.EqualValues(t, 1024, cfg.StdinSize)
}

func TestParseSendRejectsBadInput(t *testing.T) {
	cases := map[string][]string{
		"no paths":              {},
		"stdin without size":    {"-"},
		"stdin mixed with path": {"--size", "10", "-", "extra.txt"},
	}
	for name, args := range cases {
		_, err := parseSendWithFlagSet(newTestFlagSet("send"), args)
		var invalid *InvalidInputError
		assert.True(t, errors.As(err, &invalid), "%s: err = %v", name, err)
	}
}

func TestParseSendEnvPrecedence(t *testing.T) {
	t.Setenv("NOISY_SERVER_URL", "wss://env.example/ws")

	cfg, err := parseSendWithFlagSet(newTestFlagSet("send"), []string{"f.txt"})
	require.NoError(t, err)
	assert.Equal(t, "wss://env.example/ws", cfg.ServerURL, "env beats default")

	cfg, err = parseSendWithFlagSet(newTestFlagSet("send"), []string{"--server-url", "wss://flag.example/ws", "f.txt"})
	require.NoError(t, err)
	assert.Equal(t, "wss://flag.example/ws", cfg.ServerURL, "flag beats env")
}

func TestParseRecv(t *testing.T) {
	cfg, err := parseRecvWithFlagSet(newTestFlagSet("recv"), []string{"--out", "./downloads", "--overwrite", "ABCD2345"})
	require.NoError(t, err)
	assert.Equal(t, "ABCD2345", cfg.Code)
	assert.Equal(t, "./downloads", cfg.Out)
	assert.True(t, cfg.Overwrite)
	assert.False(t, cfg.Stdout())

	cfg, err = parseRecvWithFlagSet(newTestFlagSet("recv"), []string{"--out", "-", "ABCD2345"})
	require.NoError(t, err)
	assert.True(t, cfg.Stdout())
}

func TestParseRecvRequiresOneCode(t *testing.T) {
	for name, args := range map[string][]string{
		"none": {},
		"two":  {"CODE1", "CODE2"},
	} {
		_, err := parseRecvWithFlagSet(newTestFlagSet("recv"), args)
		var invalid *InvalidInputError
		assert.True(t, errors.As(err, &invalid), "%s: err = %v", name, err)
	}
}

func TestParseServer(t *testing.T) {
	cfg, err := parseServerWithFlagSet(newTestFlagSet("serve"), []string{"--port", "9000", "--max-sessions", "5"})
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 5, cfg.MaxSessions)

	_, err = parseServerWithFlagSet(newTestFlagSet("serve"), []string{"--port", "70000"})
	var invalid *InvalidInputError
	assert.True(t, errors.As(err, &invalid), "err = %v", err)
}
