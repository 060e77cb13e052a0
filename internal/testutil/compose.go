//go:build integration

// Package testutil starts the backing services of integration tests.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/go-faster/errors"
	tc "github.com/testcontainers/testcontainers-go/modules/compose"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Stack is a running docker-compose.test.yml.
type Stack struct {
	dc *tc.DockerCompose

	PostgresURL string
	RedisURL    string
}

func composeFile() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "docker-compose.test.yml")
}

// Up starts Postgres and Redis and waits until both accept connections.
func Up(ctx context.Context) (*Stack, error) {
	dc, err := tc.NewDockerCompose(composeFile())
	if err != nil {
		return nil, errors.Wrap(err, "compose init")
	}

	err = dc.
		WaitForService("postgres", wait.ForListeningPort("5432/tcp").WithStartupTimeout(2*time.Minute)).
		WaitForService("redis", wait.ForListeningPort("6379/tcp")).
		Up(ctx, tc.Wait(true))
	if err != nil {
		return nil, errors.Wrap(err, "compose up")
	}

	s := &Stack{dc: dc}
	pgHost, pgPort, err := endpoint(ctx, dc, "postgres", "5432/tcp")
	if err != nil {
		return nil, err
	}
	s.PostgresURL = fmt.Sprintf("postgres://pricing:pricing@%s:%s/pricing?sslmode=disable", pgHost, pgPort)

	redisHost, redisPort, err := endpoint(ctx, dc, "redis", "6379/tcp")
	if err != nil {
		return nil, err
	}
	s.RedisURL = fmt.Sprintf("redis://%s:%s/0", redisHost, redisPort)

	return s, nil
}

func endpoint(ctx context.Context, dc *tc.DockerCompose, service, port string) (string, string, error) {
	c, err := dc.ServiceContainer(ctx, service)
	if err != nil {
		return "", "", errors.Wrapf(err, "%s container", service)
	}
	host, err := c.Host(ctx)
	if err != nil {
		return "", "", errors.Wrapf(err, "%s host", service)
	}
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		return "", "", errors.Wrapf(err, "%s port", service)
	}
	return host, mapped.Port(), nil
}

// Down stops the stack and removes its containers.
func (s *Stack) Down(ctx context.Context) error {
	return s.dc.Down(ctx, tc.RemoveOrphans(true))
}
