package test

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	MongoURLEnv = "MONGO_URL"

	mongoImage      = "mongo:7"
	mongoReplicaSet = "rs0"
)

// MongoFixture runs a single node replica set so multi-document transactions
// are available. With SKIP_INFRASTRUCTURE=true it uses MONGO_URL instead.
type MongoFixture struct {
	container testcontainers.Container
	url       string
}

func NewMongoFixture() *MongoFixture {
	return &MongoFixture{}
}

func (f *MongoFixture) Start(ctx context.Context) error {
	if skip := os.Getenv(SkipInfrastructureEnv); skip == "true" {
		mongoURL, found := os.LookupEnv(MongoURLEnv)
		if !found {
			return fmt.Errorf("%s is required when %s is set", MongoURLEnv, SkipInfrastructureEnv)
		}

		f.url = mongoURL
		return nil
	}

	mongoPort := nat.Port("27017/tcp")

	req := testcontainers.ContainerRequest{
		Image:        mongoImage,
		ExposedPorts: []string{string(mongoPort)},
		Cmd:          []string{"mongod", "--replSet", mongoReplicaSet, "--bind_ip_all"},
		WaitingFor:   wait.ForLog("Waiting for connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return err
	}
	f.container = container

	initiate := fmt.Sprintf(
		"rs.initiate({_id: '%s', members: [{_id: 0, host: 'localhost:27017'}]})",
		mongoReplicaSet,
	)
	if err := f.exec(ctx, initiate); err != nil {
		return fmt.Errorf("initiate replica set: %w", err)
	}

	if err := f.awaitPrimary(ctx, 30*time.Second); err != nil {
		return err
	}

	host, err := container.Host(ctx)
	if err != nil {
		return err
	}

	port, err := container.MappedPort(ctx, mongoPort)
	if err != nil {
		return err
	}

	// The member advertises localhost inside the container, so the driver must
	// not try to discover it.
	f.url = fmt.Sprintf("mongodb://%s:%s/?directConnection=true", host, port.Port())

	return nil
}

func (f *MongoFixture) awaitPrimary(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		err := f.exec(ctx, "if (!db.hello().isWritablePrimary) { quit(1) }")
		if err == nil {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("replica set has no primary after %s: %w", timeout, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (f *MongoFixture) exec(ctx context.Context, script string) error {
	code, _, err := f.container.Exec(ctx, []string{"mongosh", "--quiet", "--eval", script})
	if err != nil {
		return err
	}

	if code != 0 {
		return fmt.Errorf("mongosh exited with code %d", code)
	}

	return nil
}

func (f *MongoFixture) URL() string {
	return f.url
}

func (f *MongoFixture) Stop(ctx context.Context) error {
	if f.container == nil {
		return nil
	}

	return f.container.Terminate(ctx)
}
