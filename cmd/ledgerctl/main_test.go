package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"ledgercore/cmd/internal/passphrase"
	"ledgercore/crypto"
)

const testPassphrase = "correct horse"

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	keystorePath := filepath.Join(dir, "operator.keystore")
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	require.NoError(t, crypto.SaveToKeystore(keystorePath, key, testPassphrase, crypto.WithLightScrypt()))

	path := filepath.Join(dir, "config.toml")
	contents := fmt.Sprintf(`DataDir = %q
Backend = "leveldb"
KeystorePath = %q
LogLevel = "error"
ValidatorID = 3

[services]
TimestampFee = 5
`, filepath.Join(dir, "data"), keystorePath)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	t.Setenv(passphrase.DefaultEnv, testPassphrase)
	return path
}

func ctl(t *testing.T, args ...string) string {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	require.Zero(t, code, "ledgerctl %s: %s", strings.Join(args, " "), stderr.String())
	return stdout.String()
}

func field(t *testing.T, output, name string) string {
	t.Helper()
	for _, line := range strings.Split(output, "\n") {
		if rest, ok := strings.CutPrefix(line, name+" "); ok {
			return strings.Fields(rest)[0]
		}
	}
	t.Fatalf("no %q line in output:\n%s", name, output)
	return ""
}

func TestLedgerLifecycle(t *testing.T) {
	cfg := writeTestConfig(t)

	ctl(t, "init", "-config", cfg, "-fund", "500")
	status := ctl(t, "status", "-config", cfg)
	require.Equal(t, "0", field(t, status, "height"))
	require.Contains(t, status, "service 2 timestamping")

	stamp := ctl(t, "timestamp", "-config", cfg, "-data", "hello ledger", "-paid")
	txHash := field(t, stamp, "tx")
	ctl(t, "issue", "-config", cfg, "-amount", "10")
	require.Equal(t, "2", field(t, ctl(t, "status", "-config", cfg), "pending"))

	block := ctl(t, "propose", "-config", cfg)
	require.Equal(t, "1", field(t, block, "height"))
	require.Equal(t, 2, strings.Count(block, " success "))

	balance := ctl(t, "balance", "-config", cfg)
	require.Equal(t, "505", field(t, balance, "balance"))
	require.Equal(t, "operator", field(t, balance, "wallet"))

	var report proofReport
	require.NoError(t, json.Unmarshal([]byte(ctl(t, "prove", "-config", cfg, "-tx", txHash)), &report))
	require.Equal(t, "success", report.Status)
	require.Equal(t, "included", report.Verified)
	require.Equal(t, uint64(1), report.Height)
}

func TestInitTwiceFails(t *testing.T) {
	cfg := writeTestConfig(t)
	ctl(t, "init", "-config", cfg)
	var stderr bytes.Buffer
	code := run(context.Background(), []string{"init", "-config", cfg}, &bytes.Buffer{}, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "already initialized")
}

func TestUnknownCommand(t *testing.T) {
	var stderr bytes.Buffer
	require.Equal(t, 2, run(context.Background(), []string{"frobnicate"}, &bytes.Buffer{}, &stderr))
	require.Contains(t, stderr.String(), "Commands:")
	require.Equal(t, 2, run(context.Background(), nil, &bytes.Buffer{}, &stderr))
}

func TestKeygenRefusesOverwrite(t *testing.T) {
	t.Setenv(passphrase.DefaultEnv, testPassphrase)
	path := filepath.Join(t.TempDir(), "existing.keystore")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
	var stderr bytes.Buffer
	require.Equal(t, 1, run(context.Background(), []string{"keygen", "-out", path}, &bytes.Buffer{}, &stderr))
	require.Contains(t, stderr.String(), "already exists")
}
