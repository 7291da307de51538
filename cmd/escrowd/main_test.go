package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"escrowchain/config"
	"escrowchain/crypto"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.StorageBackend = "memory"
	cfg.RPCAddress = "127.0.0.1:0"
	cfg.Genesis = []config.GenesisAccount{{
		Address: crypto.MustNewAddress(crypto.EscrowPrefix, bytes.Repeat([]byte{0x07}, 20)).String(),
		Balance: "900",
	}}
	return cfg
}

func TestSetupServesRPC(t *testing.T) {
	cfg := testConfig(t)
	d, err := setup(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer d.node.Close()

	if d.server.ReadHeaderTimeout != 5*time.Second || d.server.WriteTimeout != 15*time.Second {
		t.Fatalf("unexpected timeouts: %v %v", d.server.ReadHeaderTimeout, d.server.WriteTimeout)
	}

	body := `{"jsonrpc":"2.0","id":1,"method":"account_get","params":[{"address":"` + cfg.Genesis[0].Address + `"}]}`
	rec := httptest.NewRecorder()
	d.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"balance":"900"`) {
		t.Fatalf("genesis balance missing: %s", rec.Body.String())
	}
}

func TestSetupRejectsBadGenesisFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.GenesisFile = filepath.Join(t.TempDir(), "missing.json")
	if _, err := setup(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatalf("expected missing genesis file to fail setup")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil))) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancellation")
	}
}

func TestLoggingOptions(t *testing.T) {
	cfg := testConfig(t)
	if opts := loggingOptions(cfg); opts.File != nil || opts.Level != slog.LevelInfo {
		t.Fatalf("unexpected default options: %+v", opts)
	}
	cfg.Log = config.Log{Level: "debug", File: filepath.Join(t.TempDir(), "escrowd.log"), MaxBackups: 3}
	opts := loggingOptions(cfg)
	if opts.Level != slog.LevelDebug || opts.File == nil || opts.File.MaxBackups != 3 {
		t.Fatalf("unexpected options: %+v", opts)
	}
}
