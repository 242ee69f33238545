package chain

import (
	"context"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"defi-aggregator/internal/logging"
	"defi-aggregator/internal/model"
)

// Caller is the read-only RPC surface the adapters depend on.
type Caller interface {
	ethereum.ContractCaller
	BlockNumber(ctx context.Context) (uint64, error)
}

// URLSource resolves a configured RPC URL for a chain.
type URLSource func(chain string) string

// Registry dials one client per chain on first use.
type Registry struct {
	urls   URLSource
	logger zerolog.Logger

	clientMux sync.Mutex
	clients   map[string]Caller
}

// NewRegistry builds a registry. urls may be nil, in which case only the
// <CHAIN>_RPC_URL environment variables are consulted.
func NewRegistry(urls URLSource, logger zerolog.Logger) *Registry {
	return &Registry{
		urls:    urls,
		logger:  logger.With().Str("component", "chain_registry").Logger(),
		clients: make(map[string]Caller),
	}
}

// ChainID returns the EVM chain id for a logical chain.
func (r *Registry) ChainID(id string) (int64, error) {
	c, ok := Lookup(id)
	if !ok {
		return 0, model.Unsupported("unsupported chain: %s", id)
	}
	return c.NumericID, nil
}

// ChainIDBig is ChainID as a *big.Int.
func (r *Registry) ChainIDBig(id string) (*big.Int, error) {
	n, err := r.ChainID(id)
	if err != nil {
		return nil, err
	}
	return big.NewInt(n), nil
}

// Client returns the memoised client for a chain, dialling it if needed.
// A missing URL or failed dial surfaces here rather than at startup.
func (r *Registry) Client(ctx context.Context, id string) (Caller, error) {
	c, ok := Lookup(id)
	if !ok {
		return nil, model.Unsupported("unsupported chain: %s", id)
	}

	r.clientMux.Lock()
	defer r.clientMux.Unlock()

	if client, ok := r.clients[c.ID]; ok {
		return client, nil
	}

	url := r.rpcURL(c.ID)
	if url == "" {
		return nil, model.Upstream(nil, "no RPC endpoint configured for chain %s (set %s)", c.ID, RPCEnvVar(c.ID))
	}

	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		r.logger.Error().Err(err).Str("chain", c.ID).Str("rpc_host", logging.Host(url)).Msg("rpc dial failed")
		return nil, model.Upstream(err, "rpc unavailable for chain %s", c.ID)
	}
	r.logger.Debug().Str("chain", c.ID).Str("rpc_host", logging.Host(url)).Msg("rpc client dialled")
	r.clients[c.ID] = client
	return client, nil
}

// SetClient installs a client for a chain, replacing any memoised one.
func (r *Registry) SetClient(id string, client Caller) {
	r.clientMux.Lock()
	defer r.clientMux.Unlock()
	r.clients[strings.ToLower(id)] = client
}

// Configured reports whether a chain has an RPC endpoint or an installed client.
func (r *Registry) Configured(id string) bool {
	r.clientMux.Lock()
	_, ok := r.clients[strings.ToLower(id)]
	r.clientMux.Unlock()
	return ok || r.rpcURL(strings.ToLower(id)) != ""
}

// Close releases dialled clients.
func (r *Registry) Close() {
	r.clientMux.Lock()
	defer r.clientMux.Unlock()
	for id, client := range r.clients {
		if closer, ok := client.(interface{ Close() }); ok {
			closer.Close()
		}
		delete(r.clients, id)
	}
}

func (r *Registry) rpcURL(id string) string {
	if r.urls != nil {
		if url := strings.TrimSpace(r.urls(id)); url != "" {
			return url
		}
	}
	return strings.TrimSpace(os.Getenv(RPCEnvVar(id)))
}
