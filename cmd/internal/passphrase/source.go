// Package passphrase resolves keystore passphrases for the ledger binaries.
package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// DefaultEnv is the environment variable checked before prompting.
const DefaultEnv = "LEDGER_KEYSTORE_PASS"

// ErrMismatch is returned when a confirmed passphrase was typed differently
// twice.
var ErrMismatch = errors.New("passphrases do not match")

// Source lazily resolves a passphrase from an environment variable or by
// prompting on the terminal. The value is cached after the first success.
type Source struct {
	envVar  string
	confirm bool
	prompt  func(label string) (string, error)

	once  sync.Once
	value string
	err   error
}

// Option configures a Source.
type Option func(*Source)

// WithConfirmation asks for the passphrase twice when prompting. Use it when
// the passphrase protects a new keystore.
func WithConfirmation() Option {
	return func(s *Source) { s.confirm = true }
}

// WithPrompt replaces the terminal prompt.
func WithPrompt(prompt func(label string) (string, error)) Option {
	return func(s *Source) { s.prompt = prompt }
}

// NewSource returns a source that checks envVar before prompting.
func NewSource(envVar string, opts ...Option) *Source {
	s := &Source{envVar: strings.TrimSpace(envVar), prompt: terminalPrompt(os.Stdin, os.Stderr)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the passphrase. An environment value is used verbatim;
// whitespace-only passphrases are rejected either way.
func (s *Source) Get() (string, error) {
	s.once.Do(func() { s.value, s.err = s.resolve() })
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}

	value, err := s.prompt("Enter keystore passphrase: ")
	if err != nil {
		if s.envVar != "" {
			return "", fmt.Errorf("keystore passphrase required; set %s or run interactively: %w", s.envVar, err)
		}
		return "", err
	}
	if strings.TrimSpace(value) == "" {
		return "", errors.New("keystore passphrase cannot be empty")
	}
	if s.confirm {
		again, err := s.prompt("Repeat keystore passphrase: ")
		if err != nil {
			return "", err
		}
		if again != value {
			return "", ErrMismatch
		}
	}
	return value, nil
}

func terminalPrompt(in *os.File, out io.Writer) func(string) (string, error) {
	return func(label string) (string, error) {
		if !term.IsTerminal(int(in.Fd())) {
			return "", errors.New("no terminal available")
		}
		fmt.Fprint(out, label)
		b, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read passphrase: %w", err)
		}
		return string(b), nil
	}
}
