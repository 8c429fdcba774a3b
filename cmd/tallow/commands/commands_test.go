// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/tallow/handshake"
	"github.com/bureau-foundation/tallow/identity"
	"github.com/bureau-foundation/tallow/lib/config"
	"github.com/bureau-foundation/tallow/relay"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// writeConfig writes a config rooted in a temporary state directory.
func writeConfig(t *testing.T, extra string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tallow.yaml")
	content := "paths:\n  state: " + dir + "\n" + extra
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, dir
}

func TestConfigFlagsLoad(t *testing.T) {
	path, dir := writeConfig(t, "transfer:\n  compression: zstd\n")
	cfg, err := ConfigFlags{Path: path}.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transfer.Compression != "zstd" {
		t.Errorf("Compression = %q", cfg.Transfer.Compression)
	}
	if want := filepath.Join(dir, "identity.cbor"); cfg.Paths.Identity != want {
		t.Errorf("Identity = %q, want %q", cfg.Paths.Identity, want)
	}

	bad, _ := writeConfig(t, "transfer:\n  compression: brotli\n")
	if _, err := (ConfigFlags{Path: bad}).Load(); err == nil {
		t.Error("Load accepted an invalid compression")
	}
}

func TestConfigFlagsDefaults(t *testing.T) {
	t.Setenv("TALLOW_CONFIG", "")
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	cfg, err := ConfigFlags{}.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !strings.HasSuffix(cfg.Paths.State, "tallow") {
		t.Errorf("State = %q", cfg.Paths.State)
	}
}

func TestOpenRuntime(t *testing.T) {
	secretPath := filepath.Join(t.TempDir(), "relay.secret")
	if err := os.WriteFile(secretPath, []byte("0123456789abcdef0123456789abcdef\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	path, _ := writeConfig(t, "relays:\n  - address: 127.0.0.1:7443\n    secret_file: "+secretPath+"\n")
	cfg, err := ConfigFlags{Path: path}.Load()
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	rt, err := openRuntime(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("openRuntime: %v", err)
	}
	public := rt.identity.Identity().PublicKey()
	if endpoint, err := rt.endpoint(""); err != nil || endpoint.Address != "127.0.0.1:7443" {
		t.Errorf("endpoint() = %+v, %v", endpoint, err)
	}
	if _, err := rt.endpoint("10.0.0.1:1"); err == nil {
		t.Error("endpoint accepted an unconfigured relay")
	}
	sessionConfig := rt.sessionConfig(handshake.Responder, nil)
	if sessionConfig.Identity != rt.identity || sessionConfig.Relay == nil || sessionConfig.WebRTC == nil {
		t.Errorf("session config not wired: %+v", sessionConfig)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The identity persists across runs.
	rt, err = openRuntime(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer rt.Close()
	if !bytes.Equal(rt.identity.Identity().PublicKey(), public) {
		t.Error("identity changed between runs")
	}
}

func TestRefreshRelayHealth(t *testing.T) {
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "relay.secret")
	if err := os.WriteFile(secretPath, []byte("0123456789abcdef0123456789abcdef\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	secret, err := config.ReadSecret(secretPath)
	if err != nil {
		t.Fatal(err)
	}
	issuer, err := relay.NewIssuer(secret, nil)
	if err != nil {
		t.Fatal(err)
	}
	server, err := relay.NewServer(relay.ServerConfig{ListenAddr: "127.0.0.1:0", Issuer: issuer, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer server.Stop()

	// A port that refuses connections.
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	refusing := closed.Addr().String()
	closed.Close()

	path, _ := writeConfig(t, "relays:\n"+
		"  - address: "+server.Addr().String()+"\n    secret_file: "+secretPath+"\n"+
		"  - address: "+refusing+"\n    secret_file: "+secretPath+"\n")
	cfg, err := ConfigFlags{Path: path}.Load()
	if err != nil {
		t.Fatal(err)
	}
	rt, err := openRuntime(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("openRuntime: %v", err)
	}
	defer rt.Close()

	rt.refreshRelayHealth(context.Background())
	health := rt.pool.Health()
	if health[0].Probes != 1 || health[0].ConsecutiveFailures != 0 || health[0].Latency <= 0 {
		t.Errorf("live relay health = %+v, want one successful measured check", health[0])
	}
	if health[1].Probes != 1 || health[1].ConsecutiveFailures != 1 {
		t.Errorf("refusing relay health = %+v, want one failed check", health[1])
	}
	if best, ok := rt.pool.Best(); !ok || best.Address != server.Addr().String() {
		t.Errorf("Best = %s/%v, want the live relay", best.Address, ok)
	}
	if server.Stats().Accepted == 0 {
		t.Error("relay never saw the health check")
	}
}

func TestParsePeer(t *testing.T) {
	key, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	defer key.Close()
	encoded := hex.EncodeToString(key.PublicKey())
	parsed, err := parsePeer(encoded)
	if err != nil || !bytes.Equal(parsed, key.PublicKey()) {
		t.Errorf("parsePeer = %x, %v", parsed, err)
	}
	if parsed, err := parsePeer(""); parsed != nil || err != nil {
		t.Errorf("parsePeer(empty) = %x, %v", parsed, err)
	}
	for _, bad := range []string{"zz", encoded[:10]} {
		if _, err := parsePeer(bad); err == nil {
			t.Errorf("parsePeer(%q) succeeded", bad)
		}
	}
}

func TestSignalParamsExclusive(t *testing.T) {
	if err := (signalParams{Code: "x", Listen: ":1"}).validate(); err == nil {
		t.Error("validate accepted --code with --signal-listen")
	}
	if err := (signalParams{Connect: "h:1"}).validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestSafeName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{"/abs/path/file.txt", "file.txt"},
		{"", "tallow-c1d5cf55"},
		{"..", "tallow-c1d5cf55"},
		{"a/b/", "b"},
	}
	for _, test := range tests {
		if got := safeName(test.name, "c1d5cf55-5d6a-5a0d"); got != test.want {
			t.Errorf("safeName(%q) = %q, want %q", test.name, got, test.want)
		}
	}
}

func TestOutputFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "out.bin")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("stale content that is longer"), 0o644); err != nil {
		t.Fatal(err)
	}
	resolved := 0
	output := &outputFile{resolve: func() (string, error) {
		resolved++
		return path, nil
	}}
	if _, err := output.WriteAt([]byte("fresh"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if _, err := output.WriteAt([]byte("!"), 5); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := output.finish(6); err != nil {
		t.Fatalf("finish: %v", err)
	}
	output.Close()
	if resolved != 1 {
		t.Errorf("resolved %d times, want 1", resolved)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "fresh!" {
		t.Errorf("file = %q, want %q", data, "fresh!")
	}

	refused := &outputFile{resolve: func() (string, error) { return "", errors.New("exists") }}
	if _, err := refused.WriteAt([]byte("x"), 0); err == nil {
		t.Error("WriteAt succeeded after resolve failed")
	}
}

func TestRootHelp(t *testing.T) {
	root := Root()
	var buffer bytes.Buffer
	root.PrintHelp(&buffer)
	for _, name := range []string{"send", "receive", "identity", "nat", "stats", "version"} {
		if !strings.Contains(buffer.String(), name) {
			t.Errorf("root help missing %q", name)
		}
	}
	if err := root.Execute(context.Background(), []string{"sned"}); err == nil || !strings.Contains(err.Error(), `"send"`) {
		t.Errorf("Execute(sned) = %v, want a suggestion", err)
	}
}
