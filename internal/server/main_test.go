package server_test

import (
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/eskrenkovic/matchpoint/internal/config"
	"github.com/eskrenkovic/matchpoint/internal/server"

	"go.uber.org/zap"
)

type IntegrationTestFixture struct {
	client  *http.Client
	baseURL string
}

var fixture = IntegrationTestFixture{}

const (
	signingKey = "server-test-signing-key"
	issuer     = "matchpoint-idp"
	audience   = "matchpoint-api"
)

func TestMain(m *testing.M) {
	conf := config.Config{
		Logger:      zap.NewNop(),
		StoreDriver: config.StoreDriverMemory,
		Identity: config.IdentityConfiguration{
			SigningKey: []byte(signingKey),
			Issuer:     issuer,
			Audience:   audience,
		},
		NotificationLocation: time.UTC,
		TxMaxAttempts:        10,
		Feed: config.FeedConfiguration{
			PollInterval:        50 * time.Millisecond,
			MaxDeliveryAttempts: 5,
		},
		RequestTimeout: 5 * time.Second,
	}

	srv, err := server.NewHTTPServer(conf)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv.StartWorkers(ctx)

	httpServer := httptest.NewServer(srv.Handler())

	fixture.client = httpServer.Client()
	fixture.baseURL = httpServer.URL

	code := m.Run()

	httpServer.Close()
	cancel()

	os.Exit(code)
}
