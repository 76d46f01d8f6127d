// Package redistest starts a disposable Redis server for integration tests.
// Tests using it are skipped in short mode or when Docker is unavailable.
package redistest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	once   sync.Once
	client *redis.Client
	setErr error
)

// Client returns a client connected to the shared test server. Tests share
// the server and must use distinct keys.
func Client(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis test in short mode")
	}
	once.Do(start)
	if setErr != nil {
		t.Skipf("Redis unavailable: %v", setErr)
	}
	return client
}

func start() {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			setErr = fmt.Errorf("docker not available: %v", r)
		}
	}()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		setErr = err
		return
	}
	host, err := ctr.Host(ctx)
	if err != nil {
		setErr = err
		return
	}
	port, err := ctr.MappedPort(ctx, "6379")
	if err != nil {
		setErr = err
		return
	}
	client = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	setErr = client.Ping(ctx).Err()
}
