package exporters

import (
	"context"
	"testing"

	"licensing-controlplane/pkg/config"

	"github.com/stretchr/testify/require"
)

func TestNewPicksProtocol(t *testing.T) {
	for _, proto := range []string{"", "http", "GRPC"} {
		cfg := &config.Config{}
		cfg.Otel.Addr = "127.0.0.1:4318"
		cfg.Otel.Protocol = proto

		exp, err := New(cfg)
		require.NoError(t, err, proto)
		require.NoError(t, exp.Shutdown(context.Background()))
	}
}

func TestNewRejectsUnknownProtocol(t *testing.T) {
	cfg := &config.Config{}
	cfg.Otel.Addr = "127.0.0.1:4318"
	cfg.Otel.Protocol = "carrier-pigeon"

	_, err := New(cfg)
	require.Error(t, err)
}
