// Package config parses command-line configuration for the send and recv
// subcommands. Precedence is flags over environment (NOISY_*) over defaults.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// DefaultServerURL is the public rendezvous relay.
const DefaultServerURL = "wss://rendezvous.noisytransfer.dev/ws"

// InvalidInputError reports unusable arguments: an unsized stdin source, an
// empty path list, or stdin mixed with file paths.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid input: " + e.Reason
}

// SendConfig configures the sending side.
type SendConfig struct {
	ServerURL string
	LogLevel  string
	Paths     []string // files/directories to send; "-" alone means stdin
	Exclude   []string // glob patterns skipped during archive scan
	PQ        bool     // post-quantum handshake profile
	Yes       bool     // auto-confirm the SAS
	StdinSize int64    // required when sending from stdin
	ChunkSize int
}

// Stdin reports whether the payload comes from standard input.
func (c SendConfig) Stdin() bool {
	return len(c.Paths) == 1 && c.Paths[0] == "-"
}

// RecvConfig configures the receiving side.
type RecvConfig struct {
	ServerURL string
	LogLevel  string
	Code      string // join code from the sender
	Out       string // destination path; "-" means stdout
	Overwrite bool
	Yes       bool
}

// Stdout reports whether the payload goes to standard output.
func (c RecvConfig) Stdout() bool { return c.Out == "-" }

// ParseSend parses the send subcommand's arguments.
func ParseSend(args []string) (SendConfig, error) {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	return parseSendWithFlagSet(fs, args)
}

func parseSendWithFlagSet(fs *flag.FlagSet, args []string) (SendConfig, error) {
	cfg := SendConfig{
		ServerURL: DefaultServerURL,
		LogLevel:  "info",
	}
	applyEnv(&cfg.ServerURL, &cfg.LogLevel)

	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "rendezvous relay URL")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.PQ, "pq", false, "use the post-quantum handshake profile")
	fs.BoolVar(&cfg.Yes, "yes", false, "auto-confirm the short authentication string")
	fs.Int64Var(&cfg.StdinSize, "size", 0, "payload size in bytes, required when sending from stdin")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", 0, "chunk size in bytes (default 64 KiB)")

	excludes := make([]string, 0)
	fs.Var((*stringSlice)(&excludes), "exclude", "glob pattern to skip (repeatable)")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.Exclude = excludes
	cfg.Paths = fs.Args()

	if len(cfg.Paths) == 0 {
		return cfg, &InvalidInputError{Reason: "no paths to send"}
	}
	for _, p := range cfg.Paths {
		if p == "-" && len(cfg.Paths) > 1 {
			return cfg, &InvalidInputError{Reason: "stdin cannot be combined with other paths"}
		}
	}
	if cfg.Stdin() && cfg.StdinSize <= 0 {
		return cfg, &InvalidInputError{Reason: "sending from stdin requires --size with the exact byte count"}
	}
	return cfg, nil
}

// ParseRecv parses the recv subcommand's arguments.
func ParseRecv(args []string) (RecvConfig, error) {
	fs := flag.NewFlagSet("recv", flag.ContinueOnError)
	return parseRecvWithFlagSet(fs, args)
}

func parseRecvWithFlagSet(fs *flag.FlagSet, args []string) (RecvConfig, error) {
	cfg := RecvConfig{
		ServerURL: DefaultServerURL,
		LogLevel:  "info",
	}
	applyEnv(&cfg.ServerURL, &cfg.LogLevel)

	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "rendezvous relay URL")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Out, "out", "", "output path (directory, file, or - for stdout)")
	fs.BoolVar(&cfg.Overwrite, "overwrite", false, "replace existing files")
	fs.BoolVar(&cfg.Yes, "yes", false, "auto-confirm the short authentication string")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	rest := fs.Args()
	if len(rest) != 1 {
		return cfg, &InvalidInputError{Reason: "exactly one join code is required"}
	}
	cfg.Code = rest[0]
	return cfg, nil
}

func applyEnv(serverURL, logLevel *string) {
	if v := os.Getenv("NOISY_SERVER_URL"); v != "" && serverURL != nil {
		*serverURL = v
	}
	if v := os.Getenv("NOISY_LOG_LEVEL"); v != "" && logLevel != nil {
		*logLevel = v
	}
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ",") }

func (s *stringSlice) Set(value string) error {
	if value == "" {
		return fmt.Errorf("empty value")
	}
	*s = append(*s, value)
	return nil
}

var _ flag.Value = (*stringSlice)(nil)
