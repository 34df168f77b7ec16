package passphrase

import (
	"errors"
	"testing"
)

func scripted(answers ...string) func(string) (string, error) {
	return func(string) (string, error) {
		if len(answers) == 0 {
			return "", errors.New("no more input")
		}
		next := answers[0]
		answers = answers[1:]
		return next, nil
	}
}

func TestEnvironmentWins(t *testing.T) {
	t.Setenv("LEDGER_TEST_PASS", "from-env")
	src := NewSource("LEDGER_TEST_PASS", WithPrompt(scripted("typed")))
	got, err := src.Get()
	if err != nil || got != "from-env" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestEmptyEnvironmentRejected(t *testing.T) {
	t.Setenv("LEDGER_TEST_PASS", "  ")
	if _, err := NewSource("LEDGER_TEST_PASS").Get(); err == nil {
		t.Fatal("expected error for blank passphrase")
	}
}

func TestPromptIsCached(t *testing.T) {
	src := NewSource("", WithPrompt(scripted("secret")))
	for i := 0; i < 2; i++ {
		got, err := src.Get()
		if err != nil || got != "secret" {
			t.Fatalf("call %d: got %q, %v", i, got, err)
		}
	}
}

func TestConfirmation(t *testing.T) {
	src := NewSource("", WithConfirmation(), WithPrompt(scripted("one", "two")))
	if _, err := src.Get(); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
	src = NewSource("", WithConfirmation(), WithPrompt(scripted("same", "same")))
	if got, err := src.Get(); err != nil || got != "same" {
		t.Fatalf("got %q, %v", got, err)
	}
}
