package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vocdoni/stx-mixer-relayer/coordinator"
	"github.com/vocdoni/stx-mixer-relayer/indexer"
	"github.com/vocdoni/stx-mixer-relayer/log"
	"github.com/vocdoni/stx-mixer-relayer/storage"
	"github.com/vocdoni/stx-mixer-relayer/tree"
)

// TreeReader is the read side of the commitment tree. It is satisfied by
// *tree.Tree.
type TreeReader interface {
	Root() (string, error)
	RootAndCount() (string, uint64, error)
	Proof(commitment string) (*tree.MerkleProof, error)
}

// Withdrawer runs withdrawal requests. It is satisfied by
// *coordinator.Coordinator.
type Withdrawer interface {
	Withdraw(ctx context.Context, req *coordinator.Request) (*coordinator.Result, error)
}

// DepositTrigger syncs a reported deposit and returns its leaf index and the
// new root. It is satisfied by *indexer.Indexer.
type DepositTrigger interface {
	AddDeposit(ctx context.Context, commitment string) (uint64, string, error)
}

// IndexerStatus exposes the indexer progress in /stats. It is satisfied by
// *indexer.Indexer.
type IndexerStatus interface {
	State() indexer.State
	Cursor() storage.Cursor
	PendingRoot() string
}

// APIConfig type represents the configuration for the API HTTP server.
type APIConfig struct {
	Host string
	Port int
	// CORSOrigins defaults to any origin.
	CORSOrigins []string
	// InternalAllowedIPs extends the loopback addresses allowed to call the
	// internal endpoints. Entries are IPs or CIDR ranges.
	InternalAllowedIPs []string

	Tree        TreeReader
	Withdrawals Withdrawer
	// Deposits is optional, /deposit-event is not registered without it.
	Deposits DepositTrigger
	// Indexer is optional.
	Indexer        IndexerStatus
	RelayerAddress string
	Network        string
	Contract       string
}

// API type represents the relayer HTTP server.
type API struct {
	router   *chi.Mux
	server   *http.Server
	listener net.Listener
	conf     APIConfig
	internal *localhostOnly
}

// NewRouter validates the configuration and builds the router without
// serving it.
func NewRouter(conf *APIConfig) (*API, error) {
	if conf == nil {
		return nil, fmt.Errorf("missing API configuration")
	}
	if conf.Tree == nil {
		return nil, fmt.Errorf("missing commitment tree")
	}
	if conf.Withdrawals == nil {
		return nil, fmt.Errorf("missing withdrawal coordinator")
	}
	a := &API{
		conf:     *conf,
		internal: newLocalhostOnly(conf.InternalAllowedIPs),
	}
	a.initRouter()
	return a, nil
}

// New creates a new API instance with the given configuration and starts
// serving it in the background.
func New(conf *APIConfig) (*API, error) {
	a, err := NewRouter(conf)
	if err != nil {
		return nil, err
	}
	a.listener, err = net.Listen("tcp", net.JoinHostPort(conf.Host, fmt.Sprint(conf.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	a.server = &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("starting API server", "address", a.listener.Addr().String())
		if err := a.server.Serve(a.listener); err != nil && err != http.ErrServerClosed {
			log.Errorw(err, "API server stopped")
		}
	}()
	return a, nil
}

// Router returns the chi router for testing purposes
func (a *API) Router() *chi.Mux {
	return a.router
}

// Addr returns the address the server listens on, empty if not serving.
func (a *API) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Shutdown stops the server waiting for the in-flight requests.
func (a *API) Shutdown(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

// registerHandlers registers all the API handlers.
func (a *API) registerHandlers() {
	log.Infow("register handler", "endpoint", PingEndpoint, "method", "GET")
	a.router.Get(PingEndpoint, func(w http.ResponseWriter, r *http.Request) {
		httpWriteOK(w)
	})
	log.Infow("register handler", "endpoint", MetricsEndpoint, "method", "GET")
	a.router.Method(http.MethodGet, MetricsEndpoint, promhttp.Handler())
	log.Infow("register handler", "endpoint", RootEndpoint, "method", "GET")
	a.router.Get(RootEndpoint, a.root)
	log.Infow("register handler", "endpoint", ProofEndpoint, "method", "GET")
	a.router.Get(ProofEndpoint, a.proof)
	log.Infow("register handler", "endpoint", StatsEndpoint, "method", "GET")
	a.router.Get(StatsEndpoint, a.stats)
	log.Infow("register handler", "endpoint", WithdrawEndpoint, "method", "POST")
	a.router.Post(WithdrawEndpoint, a.withdraw)
	if a.conf.Deposits != nil {
		log.Infow("register handler", "endpoint", DepositEventEndpoint, "method", "POST")
		a.router.With(a.internal.Handler).Post(DepositEventEndpoint, a.depositEvent)
	}
}

// initRouter creates the router with all the routes and middleware.
func (a *API) initRouter() {
	origins := a.conf.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	a.router = chi.NewRouter()
	a.router.Use(cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300, // Maximum value not ignored by any of major browsers
	}).Handler)
	a.router.Use(middleware.RequestID)
	a.router.Use(middleware.Logger)
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Throttle(100))
	a.router.Use(middleware.ThrottleBacklog(5000, 40000, 60*time.Second))
	a.router.Use(middleware.Timeout(45 * time.Second))

	a.registerHandlers()
}
