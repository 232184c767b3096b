package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"

	"github.com/dropbox/godropbox/time2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github/chapool/go-relay/internal/config"
	"github/chapool/go-relay/internal/custody"
	"github/chapool/go-relay/internal/metrics"
	"github/chapool/go-relay/internal/relay"
	"github/chapool/go-relay/internal/relay/gasprice"
	"github/chapool/go-relay/internal/relay/store"
	"github/chapool/go-relay/internal/relay/watcher"
	"github/chapool/go-relay/internal/util"

	// Import postgres driver for database/sql package
	_ "github.com/lib/pq"
)

// Node is everything the relay needs from the blockchain node.
type Node interface {
	watcher.Node
	relay.RPC
	gasprice.Oracle
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

type Router struct {
	Routes     []*echo.Route
	Root       *echo.Group
	Management *echo.Group
	APIV1Relay *echo.Group
}

// Server is a central struct keeping all the dependencies.
// It is initialized with wire, which handles making the new instances of the components
// in the right order. To add a new component, 3 steps are required:
// - declaring it in this struct
// - adding a provider function in providers.go
// - adding the provider's function name to the arguments of wire.Build() in wire.go
//
// Components labeled as `wire:"-"` will be skipped and have to be initialized after the InitNewServer* call.
// For more information about wire refer to https://pkg.go.dev/github.com/google/wire
type Server struct {
	// skip wire:
	// -> initialized with router.Init(s) function
	Echo   *echo.Echo `wire:"-"`
	Router *Router    `wire:"-"`

	Config   config.Server
	DB       *sql.DB
	Clock    time2.Clock
	Metrics  *metrics.Service
	Node     Node
	Store    store.Store
	Seeds    *custody.SeedManager
	Keys     *custody.Signer
	GasCache gasprice.Cache
	Relay    *relay.Manager
	Watcher  *watcher.Watcher
	Purger   *relay.Purger
}

// newServerWithComponents is used by wire to initialize the server components.
// Components not listed here won't be handled by wire and should be initialized separately.
// Components which shouldn't be handled must be labeled `wire:"-"` in Server struct.
func newServerWithComponents(
	cfg config.Server,
	db *sql.DB,
	clock time2.Clock,
	m *metrics.Service,
	node Node,
	st store.Store,
	seeds *custody.SeedManager,
	keys *custody.Signer,
	gasCache gasprice.Cache,
	manager *relay.Manager,
	w *watcher.Watcher,
	purger *relay.Purger,
) *Server {
	return &Server{
		Config:   cfg,
		DB:       db,
		Clock:    clock,
		Metrics:  m,
		Node:     node,
		Store:    st,
		Seeds:    seeds,
		Keys:     keys,
		GasCache: gasCache,
		Relay:    manager,
		Watcher:  w,
		Purger:   purger,
	}
}

func NewServer(config config.Server) *Server {
	s := &Server{
		Config: config,
	}

	return s
}

// Ready reports whether every component is wired and the signing keys are unlocked.
func (s *Server) Ready() bool {
	if err := util.IsStructInitialized(s); err != nil {
		log.Debug().Err(err).Msg("Server is not fully initialized")
		return false
	}

	if !s.Seeds.Unlocked() {
		log.Debug().Msg("Signing keys are locked")
		return false
	}

	return true
}

func (s *Server) Start() error {
	if !s.Ready() {
		return errors.New("server is not ready")
	}

	if err := s.Echo.Start(s.Config.Echo.ListenAddress); err != nil {
		return fmt.Errorf("failed to start echo server: %w", err)
	}

	return nil
}

// Shutdown stops accepting requests, waits for in-flight broadcasts and releases
// every connection. Seed material is wiped last.
func (s *Server) Shutdown(ctx context.Context) []error {
	log.Warn().Msg("Shutting down server")

	var errs []error

	if s.Echo != nil {
		log.Debug().Msg("Shutting down echo server")

		if err := s.Echo.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Failed to shutdown echo server")
			errs = append(errs, err)
		}
	}

	if s.Purger != nil {
		s.Purger.Stop(ctx)
	}

	if s.Relay != nil {
		log.Debug().Msg("Waiting for in-flight broadcasts")

		if err := s.Relay.Drain(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to drain in-flight broadcasts")
			errs = append(errs, err)
		}
	}

	if closer, ok := s.Node.(interface{ Close() }); ok {
		log.Debug().Msg("Closing node connections")
		closer.Close()
	}

	if closer, ok := s.GasCache.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close gas price cache")
			errs = append(errs, err)
		}
	}

	if s.DB != nil {
		log.Debug().Msg("Closing database connection")

		if err := s.DB.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			log.Error().Err(err).Msg("Failed to close database connection")
			errs = append(errs, err)
		}
	}

	if s.Seeds != nil {
		s.Seeds.Clear()
	}

	return errs
}
