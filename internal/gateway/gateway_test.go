// ABOUTME: Tests for Gateway construction, lifecycle and the gRPC health service
// ABOUTME: Runs real listeners on loopback ports and shuts them down via context

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/store"
)

const testSecret = "test-secret-that-is-at-least-32-bytes"

// freeAddr reserves a loopback port and releases it for the gateway to bind.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// testConfig creates a complete config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		Server: config.ServerConfig{
			HTTPAddr: freeAddr(t),
			GRPCAddr: freeAddr(t),
		},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			Path:   filepath.Join(t.TempDir(), "chat.db"),
		},
		Auth: config.AuthConfig{
			JWTSecret: testSecret,
			TokenTTL:  time.Hour,
		},
		Messages: config.MessagesConfig{
			MaxLength:          5000,
			DefaultPageSize:    50,
			MaxPageSize:        100,
			IdempotencyTTL:     time.Hour,
			IdempotencyMaxKeys: 1000,
		},
		Presence: config.PresenceConfig{Backend: "memory"},
		WebSocket: config.WebSocketConfig{
			EventsPerSecond: 100,
			Burst:           100,
			SendBuffer:      64,
			PingInterval:    30 * time.Second,
			PongWait:        60 * time.Second,
		},
		Logging: config.LoggingConfig{Level: "info", Format: "text"},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}
	if gw.store == nil || gw.conversation == nil || gw.presence == nil {
		t.Error("core components should not be nil")
	}
	if gw.relay != nil || gw.exporter != nil || gw.redis != nil {
		t.Error("optional transports should be disabled by default")
	}
	if gw.Conversation() != gw.conversation {
		t.Error("Conversation() should expose the service")
	}
}

func TestGatewayNew_Errors(t *testing.T) {
	t.Run("weak secret", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Auth.JWTSecret = "short"
		if _, err := New(cfg, testLogger()); err == nil {
			t.Fatal("New() should reject a short JWT secret")
		}
	})

	t.Run("unreachable mongo", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Database.Driver = "mongo"
		cfg.Database.MongoURI = "not-a-uri"
		if _, err := New(cfg, testLogger()); err == nil {
			t.Fatal("New() should fail on an invalid mongo URI")
		}
	})
}

func TestGatewayRun(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	// A user registered before Run survives into the served API.
	if _, err := gw.Conversation().RegisterUser(t.Context(), &store.User{ID: "alice", Name: "Alice"}); err != nil {
		t.Fatalf("RegisterUser() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	waitForHTTP(t, "http://"+cfg.Server.HTTPAddr+"/health")

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient() failed: %v", err)
	}
	defer conn.Close()

	checkCtx, checkCancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer checkCancel()
	resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("health Check() failed: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("health status = %v, want SERVING", resp.GetStatus())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestGatewayRun_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Server.HTTPAddr = ln.Addr().String()
	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if err := gw.Run(t.Context()); err == nil {
		t.Fatal("Run() should fail when the HTTP address is taken")
	}
}

func waitForHTTP(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server at %s did not become ready", url)
}
