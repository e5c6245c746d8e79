// Package opprovider resolves source credential references with the
// 1Password CLI.
package opprovider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/wolfeidau/image-cache/credentials"
)

// ErrInvalidReference is returned for references that are not of the form
// op://vault/item/field. Such references are rejected before the CLI runs.
var ErrInvalidReference = errors.New("invalid 1Password secret reference")

const referenceScheme = "op://"

type config struct {
	binary  string
	account string
}

// Option configures the 1Password provider.
type Option func(*config)

// WithBinary sets the path of the op executable. Defaults to "op" on PATH.
func WithBinary(path string) Option {
	return func(c *config) {
		if path != "" {
			c.binary = path
		}
	}
}

// WithAccount selects the 1Password account used for reads, for hosts
// signed in to more than one.
func WithAccount(account string) Option {
	return func(c *config) {
		c.account = account
	}
}

// WithOnePassword registers an "op" template function that reads secret
// references such as {{ op "op://images/cdn/token" }} with `op read`.
func WithOnePassword(opts ...Option) credentials.ResolverOption {
	cfg := &config{binary: "op"}
	for _, opt := range opts {
		opt(cfg)
	}
	return credentials.WithProvider("op", cfg.read)
}

func (c *config) read(ctx context.Context, ref string) (string, error) {
	if err := validateReference(ref); err != nil {
		return "", err
	}

	args := []string{"read", "--no-newline"}
	if c.account != "" {
		args = append(args, "--account", c.account)
	}
	args = append(args, ref)

	cmd := exec.CommandContext(ctx, c.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
	}
	if stdout.Len() == 0 {
		return "", fmt.Errorf("op read %q: empty secret", ref)
	}
	return stdout.String(), nil
}

// validateReference checks for op://vault/item/field with an optional
// section between item and field.
func validateReference(ref string) error {
	rest, ok := strings.CutPrefix(ref, referenceScheme)
	if !ok {
		return fmt.Errorf("%w: %q must start with %s", ErrInvalidReference, ref, referenceScheme)
	}
	parts := strings.Split(rest, "/")
	if len(parts) < 3 || len(parts) > 4 {
		return fmt.Errorf("%w: %q must name a vault, item and field", ErrInvalidReference, ref)
	}
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidReference, ref)
		}
	}
	return nil
}
