package test

import (
	"context"
	"database/sql"
	"testing"

	"github/chapool/go-relay/internal/api"
	"github/chapool/go-relay/internal/api/router"
	"github/chapool/go-relay/internal/config"
)

// WithTestServer returns a fully configured server (using the default server config)
// backed by a fresh test database and a FakeNode. The signing keys are unlocked and
// SigningKeyID is registered.
func WithTestServer(t *testing.T, closure func(s *api.Server)) {
	t.Helper()

	defaultConfig := config.DefaultServiceConfigFromEnv()
	WithTestServerConfigurable(t, defaultConfig, closure)
}

// WithTestServerConfigurable returns a fully configured server, allowing for configuration using the provided server config.
func WithTestServerConfigurable(t *testing.T, config config.Server, closure func(s *api.Server)) {
	t.Helper()

	ctx := context.Background()

	WithTestDatabase(t, func(db *sql.DB) {
		t.Helper()

		execClosureNewTestServer(ctx, t, config, db, closure)
	})
}

// Executes closure on a new test server with a pre-provided database
func execClosureNewTestServer(ctx context.Context, t *testing.T, config config.Server, db *sql.DB, closure func(s *api.Server)) {
	t.Helper()

	// https://stackoverflow.com/questions/43424787/how-to-use-next-available-port-in-http-listenandserve
	config.Echo.ListenAddress = ":0"
	config.Chain.ChainID = ChainID
	config.Chain.BroadcastRetries = 0
	config.Redis.Addr = ""

	node := NewFakeNode(ChainID)

	s, err := api.InitNewServerWithDB(config, db, node, t)
	if err != nil {
		t.Fatalf("Failed to init server: %v", err)
	}

	if err := s.Seeds.Initialize(Mnemonic, ""); err != nil {
		t.Fatalf("Failed to unlock signing keys: %v", err)
	}

	if _, err := s.Keys.AddKey(ctx, SigningKeyID); err != nil {
		t.Fatalf("Failed to register signing key: %v", err)
	}

	if err := router.Init(s); err != nil {
		t.Fatalf("Failed to init router: %v", err)
	}

	closure(s)

	// background broadcasts must not outlive the test database
	if err := s.Relay.Drain(ctx); err != nil {
		t.Fatalf("Failed to drain in-flight broadcasts: %v", err)
	}

	// echo is managed and should close automatically after running the test
	if err := s.Echo.Shutdown(ctx); err != nil {
		t.Fatalf("Failed to shutdown server: %v", err)
	}

	// disallow any further refs to managed object after running the test
	s = nil
}

// FakeNodeOf returns the FakeNode a test server was built with.
func FakeNodeOf(t *testing.T, s *api.Server) *FakeNode {
	t.Helper()

	node, ok := s.Node.(*FakeNode)
	if !ok {
		t.Fatalf("Server node is %T, not a *FakeNode", s.Node)
	}

	return node
}
