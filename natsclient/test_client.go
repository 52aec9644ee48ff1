package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestServerConfig describes the NATS container a test runs against.
type TestServerConfig struct {
	// Image defaults to a JetStream-capable alpine build.
	Image        string
	JetStream    bool
	StartTimeout time.Duration
}

// TestServer is a NATS server in a container plus a Client connected to it.
type TestServer struct {
	Client *Client
	URL    string

	container testcontainers.Container
}

// StartTestServer starts the container and connects a client without
// reconnects, so a dead server fails the test instead of hanging it. Call
// Stop when done.
func StartTestServer(ctx context.Context, cfg TestServerConfig) (*TestServer, error) {
	if cfg.Image == "" {
		cfg.Image = "nats:2.11.7-alpine"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	cmd := []string{"--port", "4222", "--http_port", "8222"}
	if cfg.JetStream {
		cmd = append(cmd, "--js")
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        cfg.Image,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          cmd,
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/healthz").WithPort("8222/tcp").WithStartupTimeout(cfg.StartTimeout),
			),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start NATS container: %w", err)
	}
	s := &TestServer{container: container}

	endpoint, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		s.Stop()
		return nil, fmt.Errorf("NATS endpoint: %w", err)
	}
	s.URL = endpoint

	if s.Client, err = NewClient(endpoint, WithReconnect(0, 0), WithTimeouts(5*time.Second, time.Second)); err != nil {
		s.Stop()
		return nil, err
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.Client.Connect(connectCtx); err != nil {
		s.Stop()
		return nil, fmt.Errorf("connect to %s: %w", endpoint, err)
	}
	return s, nil
}

// NewTestServer starts a server for a single test and stops it on cleanup.
func NewTestServer(t testing.TB, cfg TestServerConfig) *TestServer {
	t.Helper()
	s, err := StartTestServer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NATS test server: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

// Stop closes the client and terminates the container.
func (s *TestServer) Stop() {
	ctx := context.Background()
	if s.Client != nil {
		_ = s.Client.Close(ctx)
	}
	_ = s.container.Terminate(ctx)
}
