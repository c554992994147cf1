// Package opprovider resolves credential template secrets with the 1Password
// CLI.
package opprovider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/wolfeidau/gallery-cache/credentials"
)

const refPrefix = "op://"

type config struct {
	binary  string
	account string
}

// Option configures the 1Password provider.
type Option func(*config)

// WithAccount selects the 1Password account when more than one is signed in.
func WithAccount(account string) Option {
	return func(c *config) { c.account = account }
}

// WithBinary overrides the path of the op executable.
func WithBinary(path string) Option {
	return func(c *config) { c.binary = path }
}

// WithOnePassword registers an "op" template function that reads
// op://vault/item/field references with `op read`.
func WithOnePassword(opts ...Option) credentials.ResolverOption {
	cfg := config{binary: "op"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return credentials.WithProvider("op", cfg.read)
}

func (c config) read(ctx context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, refPrefix) {
		return "", fmt.Errorf("secret reference must start with %s", refPrefix)
	}

	args := []string{"read", "--no-newline", ref}
	if c.account != "" {
		args = append(args, "--account", c.account)
	}
	cmd := exec.CommandContext(ctx, c.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
