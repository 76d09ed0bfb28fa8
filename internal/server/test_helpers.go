package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"buildpulse/internal/config"
	"buildpulse/internal/engine"
	"buildpulse/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// newTestServer builds a server over a throwaway SQLite store with one
// configured pipeline and rate limiting disabled.
func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		Pipelines: map[string]config.PipelineConfig{
			"checkout-ci": {Repo: "acme/checkout", Secret: testSecret},
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(st, nil, logger, nil)

	return NewServer(st, eng, cfg, logger, true), st
}

func signPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
