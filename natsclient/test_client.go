package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestServerImage is the NATS image integration tests run against.
const TestServerImage = "nats:2.11.7-alpine"

// TestClient is a connected client to a throwaway NATS server.
type TestClient struct {
	Client *Client
	URL    string
}

// NewTestClient starts a NATS container, connects a client to it and tears
// both down when t ends. opts are applied after the test defaults, which turn
// off reconnects and health probing.
func NewTestClient(t testing.TB, opts ...ClientOption) *TestClient {
	t.Helper()

	url, err := startTestServer(t)
	if err != nil {
		t.Fatalf("start NATS container: %v", err)
	}

	tc := &TestClient{URL: url}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tc.Client, err = tc.Open(ctx, append([]ClientOption{WithTimeout(5 * time.Second)}, opts...)...)
	if err != nil {
		t.Fatalf("connect to %s: %v", url, err)
	}
	t.Cleanup(func() { _ = tc.Client.Close(context.Background()) })
	return tc
}

// Open connects another client to the same server, as a remote peer would.
// The caller closes it.
func (tc *TestClient) Open(ctx context.Context, opts ...ClientOption) (*Client, error) {
	defaults := []ClientOption{WithMaxReconnects(0), WithHealthInterval(0)}
	o, err := NewOpener(WithClientOptions(append(defaults, opts...)...))
	if err != nil {
		return nil, err
	}
	s, err := o.Open(ctx, tc.URL)
	if err != nil {
		return nil, err
	}
	return s.(*Client), nil
}

// startTestServer runs the container and registers its termination with t.
func startTestServer(t testing.TB) (string, error) {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        TestServerImage,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          []string{"--port", "4222", "--http_port", "8222"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(30*time.Second),
			),
		},
		Started: true,
	})
	if err != nil {
		return "", err
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		return "", fmt.Errorf("mapped port: %w", err)
	}
	return fmt.Sprintf("nats://%s:%s", host, port.Port()), nil
}
