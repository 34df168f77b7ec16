package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization = token , =skip, novalue, x-team=ledger")
	require.Equal(t, map[string]string{"authorization": "token", "x-team": "ledger"}, headers)
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)
}

func TestInitWithoutExporters(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "ledgerd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
