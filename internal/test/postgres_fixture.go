// Package test holds fixtures shared by integration tests.
package test

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	SkipInfrastructureEnv = "SKIP_INFRASTRUCTURE"
	DatabaseURLEnv        = "DATABASE_URL"

	postgresImage = "postgres:15-alpine"
	postgresUser  = "matchpoint"
	postgresDB    = "matchpoint"
)

// PostgresFixture runs a throwaway Postgres container. With
// SKIP_INFRASTRUCTURE=true it uses the database at DATABASE_URL instead.
type PostgresFixture struct {
	container testcontainers.Container
	url       string
}

func NewPostgresFixture() *PostgresFixture {
	return &PostgresFixture{}
}

func (f *PostgresFixture) Start(ctx context.Context) error {
	if skip := os.Getenv(SkipInfrastructureEnv); skip == "true" {
		dbURL, found := os.LookupEnv(DatabaseURLEnv)
		if !found {
			return fmt.Errorf("%s is required when %s is set", DatabaseURLEnv, SkipInfrastructureEnv)
		}

		f.url = dbURL
		return nil
	}

	pgPort := nat.Port("5432/tcp")

	req := testcontainers.ContainerRequest{
		Image:        postgresImage,
		ExposedPorts: []string{string(pgPort)},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresUser,
			"POSTGRES_DB":       postgresDB,
		},
		// Postgres logs readiness twice: once for the init run, once for real.
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return err
	}
	f.container = container

	host, err := container.Host(ctx)
	if err != nil {
		return err
	}

	port, err := container.MappedPort(ctx, pgPort)
	if err != nil {
		return err
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(postgresUser, postgresUser),
		Host:     fmt.Sprintf("%s:%s", host, port.Port()),
		Path:     postgresDB,
		RawQuery: "sslmode=disable",
	}
	f.url = u.String()

	return nil
}

func (f *PostgresFixture) DatabaseURL() string {
	return f.url
}

func (f *PostgresFixture) Stop(ctx context.Context) error {
	if f.container == nil {
		return nil
	}

	return f.container.Terminate(ctx)
}
