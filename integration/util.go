//go:build integration
// +build integration

package integration

import (
	"context"
	"fmt"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const redisPort = "6379/tcp"

var logger = log.NewLogger()

// startRedis runs a throwaway Redis container and returns a client connected to it.
func startRedis(t *testing.T) *redis.Client {
	t.Helper()

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:latest",
			ExposedPorts: []string{redisPort},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, redisPort)
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Errorf("Failed to close Redis client: %v", err)
		}
	})
	require.NoError(t, client.Ping(ctx).Err())

	return client
}

// publish appends a progress entry the way the document workers do: every value is a string.
func publish(t *testing.T, client *redis.Client, jobID string, values map[string]interface{}) string {
	t.Helper()

	id, err := client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: "stream:" + jobID,
		Values: values,
	}).Result()
	require.NoError(t, err)
	return id
}
