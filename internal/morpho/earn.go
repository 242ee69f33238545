package morpho

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"defi-aggregator/internal/cache"
	"defi-aggregator/internal/model"
	"defi-aggregator/internal/onchain"
)

const (
	vaultsKey = "morpho:vaults"

	vaultConcurrency = 8
)

var twelve = decimal.NewFromInt(12)

// Vault is a whitelisted MetaMorpho vault.
type Vault struct {
	Address     string
	ChainID     int64
	Name        string
	Symbol      string
	Description string
	Curators    []string
	Asset       *Asset
}

// CuratorNames joins the curator names.
func (v Vault) CuratorNames() string { return strings.Join(v.Curators, ", ") }

// EarnRequest is the body of a vault deposit or withdrawal. For
// withdrawals Amount is a share amount.
type EarnRequest struct {
	AssetSymbol     string       `json:"assetSymbol"`
	Amount          model.Amount `json:"amount"`
	UserAddress     string       `json:"userAddress"`
	VaultIdentifier string       `json:"vaultIdentifier"`
}

// EarnSimulation describes a vault operation.
type EarnSimulation struct {
	Vault                    string            `json:"vault"`
	Asset                    model.TokenAmount `json:"asset"`
	OperationType            string            `json:"operationType"`
	Message                  string            `json:"message"`
	WalletBalance            string            `json:"walletBalance,omitempty"`
	VaultPosition            string            `json:"vaultPosition,omitempty"`
	APYPercent               *float64          `json:"apyPercent"`
	ProjectedMonthlyEarnings *string           `json:"projectedMonthlyEarnings"`
	ProjectedYearlyEarnings  *string           `json:"projectedYearlyEarnings"`
	VaultName                *string           `json:"vaultName"`
	VaultSymbol              *string           `json:"vaultSymbol"`
	CuratorName              *string           `json:"curatorName"`
}

// Vaults returns the whitelisted vaults of every chain, cached.
func (s *Service) Vaults(ctx context.Context) ([]Vault, error) {
	if s.caches.Vaults != nil {
		if list, ok := cache.GetAs[[]Vault](s.caches.Vaults, vaultsKey); ok {
			return list, nil
		}
	}
	v, err, _ := s.flight.Do(vaultsKey, func() (any, error) {
		items, err := s.api.Vaults(ctx)
		if err != nil {
			return nil, model.Upstream(err, "Failed to fetch vault whitelist data.")
		}
		vaults := make([]Vault, 0, len(items))
		for _, item := range items {
			vault := Vault{
				Address:     item.Address,
				ChainID:     item.Chain.ID,
				Name:        item.Name,
				Symbol:      item.Symbol,
				Description: item.Name,
				Asset:       item.Asset,
			}
			if item.Metadata != nil {
				if item.Metadata.Description != "" {
					vault.Description = item.Metadata.Description
				}
				for _, c := range item.Metadata.Curators {
					vault.Curators = append(vault.Curators, c.Name)
				}
			}
			vaults = append(vaults, vault)
		}
		if s.caches.Vaults != nil {
			s.caches.Vaults.Set(vaultsKey, vaults)
		}
		s.logger.Info().Int("vaults", len(vaults)).Msg("vault whitelist refreshed")
		return vaults, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Vault), nil
}

// ChainVaults returns the whitelisted vaults of one chain.
func (s *Service) ChainVaults(ctx context.Context, chainID string) ([]Vault, error) {
	_, numeric, err := s.deployment(chainID)
	if err != nil {
		return nil, err
	}
	all, err := s.Vaults(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Vault, 0)
	for _, v := range all {
		if v.ChainID == numeric {
			out = append(out, v)
		}
	}
	return out, nil
}

// VaultState fetches live vault data.
func (s *Service) VaultState(ctx context.Context, chainID string, vault string) (*VaultData, error) {
	_, numeric, err := s.deployment(chainID)
	if err != nil {
		return nil, err
	}
	return s.api.VaultData(ctx, vault, numeric)
}

// FindVault resolves an address or a description/curator query to exactly
// one whitelisted vault on the chain.
func (s *Service) FindVault(ctx context.Context, chainID, identifier string) (Vault, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return Vault{}, model.InvalidInput("vaultIdentifier must be provided in the request body.")
	}
	vaults, err := s.ChainVaults(ctx, chainID)
	if err != nil {
		return Vault{}, err
	}

	if common.IsHexAddress(identifier) {
		for _, v := range vaults {
			if strings.EqualFold(v.Address, identifier) {
				return v, nil
			}
		}
		s.logger.Warn().Str("chain", chainID).Str("vault", identifier).Msg("vault address not whitelisted, trying name search")
	}

	query := strings.ToLower(identifier)
	var found []Vault
	for _, v := range vaults {
		if strings.Contains(strings.ToLower(v.Description), query) || curatorMatches(v, query) {
			found = append(found, v)
		}
	}
	switch len(found) {
	case 0:
		return Vault{}, model.NotFound("No vault found matching identifier %q on chain %s.", identifier, chainID)
	case 1:
		return found[0], nil
	}
	candidates := s.describeCandidates(ctx, chainID, found)
	return Vault{}, model.Ambiguous(candidates,
		"Multiple vaults match identifier %q:\n  - %s\nPlease use the specific vault address or refine your query.",
		identifier, strings.Join(candidates, "\n  - "))
}

func curatorMatches(v Vault, query string) bool {
	for _, c := range v.Curators {
		if strings.Contains(strings.ToLower(c), query) {
			return true
		}
	}
	return false
}

// describeCandidates renders one line per vault with live APY and TVL.
// Vault data failures render as N/A.
func (s *Service) describeCandidates(ctx context.Context, chainID string, vaults []Vault) []string {
	lines := make([]string, len(vaults))
	var g errgroup.Group
	g.SetLimit(vaultConcurrency)
	for i, v := range vaults {
		g.Go(func() error {
			apy, tvl := "N/A", "N/A"
			if data, err := s.VaultState(ctx, chainID, v.Address); err == nil && data.State != nil {
				if data.State.DailyNetAPY != nil {
					apy = fmt.Sprintf("%.2f%%", *data.State.DailyNetAPY*100)
				}
				if data.State.TotalAssetsUSD != nil {
					tvl = "$" + humanize.FormatFloat("#,###.##", *data.State.TotalAssetsUSD)
				}
			}
			curators := v.CuratorNames()
			if curators == "" {
				curators = "N/A"
			}
			lines[i] = fmt.Sprintf("Address: %s, APY: %s, TVL: %s, Curator(s): %s, Description: %q", v.Address, apy, tvl, curators, v.Description)
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(lines)
	return lines
}

type earnContext struct {
	chainID int64
	chain   string
	user    common.Address
	vault   Vault
	token   model.TokenInfo
	amount  *big.Int
	human   string
}

func (s *Service) prepareEarn(ctx context.Context, chainID string, req EarnRequest) (*earnContext, error) {
	chainID = strings.ToLower(strings.TrimSpace(chainID))
	if _, ok := s.opts.Deployments[chainID]; !ok {
		return nil, model.Unsupported("Morpho Earn is not supported on chain: %s. Supported: %s", chainID, strings.Join(s.Chains(), ", "))
	}
	user, err := onchain.ParseAddress("userAddress", req.UserAddress)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.AssetSymbol) == "" {
		return nil, model.InvalidInput("assetSymbol is required")
	}
	vault, err := s.FindVault(ctx, chainID, req.VaultIdentifier)
	if err != nil {
		return nil, err
	}
	token, err := s.FindTokenInfo(ctx, chainID, req.AssetSymbol)
	if err != nil {
		if model.IsKind(err, model.KindNotFound) {
			return nil, model.NotFound("Token %s not found or supported on %s", req.AssetSymbol, chainID)
		}
		return nil, err
	}
	if !vaultHolds(vault, req.AssetSymbol, token.Address) {
		s.logger.Warn().
			Str("vault", vault.Address).
			Str("description", vault.Description).
			Str("asset", req.AssetSymbol).
			Msg("vault may not match the requested asset, continuing")
	}
	amount, err := model.ParseUnits(req.Amount.String(), token.Decimals)
	if err != nil {
		return nil, err
	}
	if amount.Sign() == 0 {
		return nil, model.InvalidInput("amount must be greater than zero")
	}
	return &earnContext{
		chainID: token.ChainID,
		chain:   chainID,
		user:    user,
		vault:   vault,
		token:   token,
		amount:  amount,
		human:   model.FormatUnits(amount, token.Decimals),
	}, nil
}

func vaultHolds(v Vault, symbol, address string) bool {
	if v.Asset != nil && v.Asset.Address != "" {
		return strings.EqualFold(v.Asset.Address, address)
	}
	return strings.Contains(strings.ToLower(v.Description), strings.ToLower(symbol))
}

// Deposit builds an ERC-4626 deposit after checking the wallet balance.
func (s *Service) Deposit(ctx context.Context, chainID string, req EarnRequest) (*model.OperationResponse, error) {
	ec, err := s.prepareEarn(ctx, chainID, req)
	if err != nil {
		return nil, err
	}
	r, callCtx, cancel, err := s.reader(ctx, ec.chain)
	if err != nil {
		return nil, err
	}
	defer cancel()

	token := common.HexToAddress(ec.token.Address)
	vault := common.HexToAddress(ec.vault.Address)
	balance, err := r.BalanceOf(callCtx, token, ec.user)
	if err != nil {
		return nil, model.Upstream(err, "Failed to verify user wallet balance.")
	}
	walletBalance := model.FormatUnits(balance, ec.token.Decimals)
	if balance.Cmp(ec.amount) < 0 {
		return nil, model.InsufficientBalance("Insufficient wallet balance. Need %s %s, but only have %s %s.", ec.human, req.AssetSymbol, walletBalance, req.AssetSymbol)
	}

	var approvals []model.ApprovalTx
	allowance, err := r.Allowance(callCtx, token, ec.user, vault)
	switch {
	case err != nil:
		s.logger.Warn().Err(err).Str("chain", ec.chain).Str("vault", vault.Hex()).Msg("allowance check failed, wallet will surface a shortfall")
	case allowance.Cmp(ec.amount) < 0:
		data, err := onchain.EncodeApprove(vault, ec.amount)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, model.ApprovalTx{To: token.Hex(), Data: data, Value: "0", Description: "token_approval"})
	}

	data, err := onchain.Encode(&onchain.VaultABI, "deposit", ec.amount, ec.user)
	if err != nil {
		return nil, err
	}

	message := fmt.Sprintf("Simulated deposit of %s %s into vault %s. Wallet balance sufficient. No approvals needed.", ec.human, req.AssetSymbol, vault.Hex())
	if len(approvals) > 0 {
		message = fmt.Sprintf("Simulated deposit of %s %s into vault %s. Wallet balance sufficient. Approval transaction required before the main transaction.", ec.human, req.AssetSymbol, vault.Hex())
	}
	sim := s.earnSimulation(ctx, ec, "Deposit", message)
	sim.WalletBalance = walletBalance

	return &model.OperationResponse{
		TransactionData:      model.TxDescriptor{To: vault.Hex(), Data: data, Value: "0"},
		ApprovalTransactions: approvals,
		Simulation:           sim,
		ChainID:              ec.chainID,
	}, nil
}

// Withdraw builds an ERC-4626 redeem of Amount shares to the user.
func (s *Service) Withdraw(ctx context.Context, chainID string, req EarnRequest) (*model.OperationResponse, error) {
	ec, err := s.prepareEarn(ctx, chainID, req)
	if err != nil {
		return nil, err
	}
	r, callCtx, cancel, err := s.reader(ctx, ec.chain)
	if err != nil {
		return nil, err
	}
	defer cancel()

	vault := common.HexToAddress(ec.vault.Address)
	shares, err := r.BalanceOf(callCtx, vault, ec.user)
	if err != nil {
		return nil, model.Upstream(err, "Failed to verify user vault share balance.")
	}
	position := model.FormatUnits(shares, ec.token.Decimals)
	if shares.Cmp(ec.amount) < 0 {
		return nil, model.InsufficientBalance("Insufficient share balance to withdraw %s shares. Balance: %s", ec.human, position)
	}

	data, err := onchain.Encode(&onchain.VaultABI, "redeem", ec.amount, ec.user, ec.user)
	if err != nil {
		return nil, err
	}
	message := fmt.Sprintf("Simulated withdrawal of %s %s shares from vault %s. Share balance sufficient. No approvals needed.", ec.human, req.AssetSymbol, vault.Hex())
	sim := s.earnSimulation(ctx, ec, "Withdraw", message)
	sim.VaultPosition = position

	return &model.OperationResponse{
		TransactionData: model.TxDescriptor{To: vault.Hex(), Data: data, Value: "0"},
		Simulation:      sim,
		ChainID:         ec.chainID,
	}, nil
}

// earnSimulation adds vault metadata and earnings projections. A vault
// data failure leaves those fields empty.
func (s *Service) earnSimulation(ctx context.Context, ec *earnContext, opType, message string) EarnSimulation {
	sim := EarnSimulation{
		Vault: common.HexToAddress(ec.vault.Address).Hex(),
		Asset: model.TokenAmount{
			Token:    ec.token.Symbol,
			Address:  ec.token.Address,
			Amount:   ec.human,
			Decimals: ec.token.Decimals,
		},
		OperationType: opType,
		Message:       message,
	}
	if curators := ec.vault.CuratorNames(); curators != "" {
		sim.CuratorName = &curators
	}

	data, err := s.api.VaultData(ctx, ec.vault.Address, ec.chainID)
	if err != nil {
		s.logger.Warn().Err(err).Str("chain", ec.chain).Str("vault", ec.vault.Address).Msg("vault data unavailable")
		return sim
	}
	sim.VaultName = &data.Name
	sim.VaultSymbol = &data.Symbol
	if data.State == nil || data.State.DailyNetAPY == nil {
		return sim
	}
	netAPY := *data.State.DailyNetAPY
	pct := netAPY * 100
	sim.APYPercent = &pct

	yearly := decimal.RequireFromString(ec.human).Mul(decimal.NewFromFloat(netAPY))
	if yearly.IsNegative() {
		yearly = decimal.Zero
	}
	y, m := yearly.StringFixed(2), yearly.Div(twelve).StringFixed(2)
	sim.ProjectedYearlyEarnings = &y
	sim.ProjectedMonthlyEarnings = &m
	return sim
}
