package morpho

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"defi-aggregator/internal/model"
	"defi-aggregator/internal/onchain"
)

const (
	requirementApprove       = "erc20.approve"
	requirementAuthorization = "morpho.setAuthorization"
)

var (
	e27 = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)
	// Morpho Blue virtual shares and assets.
	virtualShares = big.NewInt(1_000_000)
	virtualAssets = big.NewInt(1)
	bpsDenom      = big.NewInt(10_000)
)

// TokenLeg is one side of a borrow request.
type TokenLeg struct {
	Token  string       `json:"token"`
	Amount model.Amount `json:"amount"`
}

// BorrowCallData carries the collateral and borrow legs.
type BorrowCallData struct {
	Chain      string   `json:"chain"`
	Collateral TokenLeg `json:"collateral"`
	Borrow     TokenLeg `json:"borrow"`
}

// BorrowRequest is the body of a bundled supply-collateral-and-borrow.
type BorrowRequest struct {
	Chain    string         `json:"chain"`
	Sender   string         `json:"sender"`
	CallData BorrowCallData `json:"call_data"`
}

// BorrowSimulation describes the planned bundle.
type BorrowSimulation struct {
	Market     string            `json:"market"`
	Collateral model.TokenAmount `json:"collateral"`
	Borrow     model.TokenAmount `json:"borrow"`
	Operations []model.Operation `json:"operations"`
	Message    string            `json:"message"`
}

func (r BorrowRequest) chain() string {
	if c := strings.TrimSpace(r.Chain); c != "" {
		return strings.ToLower(c)
	}
	return strings.ToLower(strings.TrimSpace(r.CallData.Chain))
}

func legAmount(leg TokenLeg, decimals int) (*big.Int, error) {
	if strings.TrimSpace(leg.Amount.String()) == "" {
		return new(big.Int), nil
	}
	return model.ParseUnits(leg.Amount.String(), decimals)
}

// Borrow plans a Bundler3 multicall that pulls collateral, supplies it and
// borrows against it. Approvals and the adapter authorization the bundle
// depends on are returned as separate transactions.
func (s *Service) Borrow(ctx context.Context, req BorrowRequest) (*model.OperationResponse, error) {
	chainID := req.chain()
	if chainID == "" {
		return nil, model.InvalidInput("chain is required")
	}
	user, err := onchain.ParseAddress("sender", req.Sender)
	if err != nil {
		return nil, err
	}
	dep, numeric, err := s.deployment(chainID)
	if err != nil {
		return nil, err
	}
	legs := req.CallData
	if strings.TrimSpace(legs.Collateral.Token) == "" || strings.TrimSpace(legs.Borrow.Token) == "" {
		return nil, model.InvalidInput("collateral and borrow tokens are required")
	}

	collateral, err := s.FindTokenInfo(ctx, chainID, legs.Collateral.Token)
	if err != nil {
		if model.IsKind(err, model.KindNotFound) {
			return nil, model.NotFound("Collateral token '%s' not found on chain %s. Please verify the token symbol.", legs.Collateral.Token, chainID)
		}
		return nil, err
	}
	loan, err := s.FindTokenInfo(ctx, chainID, legs.Borrow.Token)
	if err != nil {
		if model.IsKind(err, model.KindNotFound) {
			return nil, model.NotFound("Borrow token '%s' not found on chain %s. Please verify the token symbol.", legs.Borrow.Token, chainID)
		}
		return nil, err
	}

	collateralAmount, err := legAmount(legs.Collateral, collateral.Decimals)
	if err != nil {
		return nil, err
	}
	borrowAmount, err := legAmount(legs.Borrow, loan.Decimals)
	if err != nil {
		return nil, err
	}
	if collateralAmount.Sign() == 0 && borrowAmount.Sign() == 0 {
		return nil, model.InvalidInput("collateral or borrow amount must be greater than zero")
	}

	marketKey, err := s.findMarket(ctx, chainID, numeric, collateral.Address, loan.Address)
	if err != nil {
		return nil, err
	}
	if marketKey == "" {
		return nil, model.NotFound("No market found for %s/%s on %s. Please verify that this market exists in Morpho and that both tokens are supported.", legs.Collateral.Token, legs.Borrow.Token, chainID)
	}
	id, err := onchain.ParseMarketID(marketKey)
	if err != nil {
		return nil, err
	}

	r, ctx, cancel, err := s.reader(ctx, chainID)
	if err != nil {
		return nil, err
	}
	defer cancel()

	params, err := r.MarketParams(ctx, dep.Morpho, id)
	if err != nil {
		return nil, model.Upstream(err, "read morpho market params")
	}
	state, err := r.MarketState(ctx, dep.Morpho, id)
	if err != nil {
		return nil, model.Upstream(err, "read morpho market state")
	}
	if borrowAmount.Cmp(state.Liquidity()) > 0 {
		return nil, model.InsufficientLiquidity("The requested borrow amount exceeds available market liquidity. Try a smaller amount or a different market.")
	}

	collateralAddr := common.HexToAddress(collateral.Address)
	var (
		approvals  []model.ApprovalTx
		operations []model.Operation
		calls      []onchain.BundleCall
	)

	if collateralAmount.Sign() > 0 {
		balance, err := r.BalanceOf(ctx, collateralAddr, user)
		if err != nil {
			return nil, model.Upstream(err, "read collateral balance")
		}
		if balance.Cmp(collateralAmount) < 0 {
			return nil, model.InsufficientBalance("Insufficient %s balance. You have %s but trying to supply %s",
				collateral.Symbol, model.FormatUnits(balance, collateral.Decimals), model.FormatUnits(collateralAmount, collateral.Decimals))
		}
		allowance, err := r.Allowance(ctx, collateralAddr, user, dep.GeneralAdapter1)
		if err != nil {
			return nil, model.Upstream(err, "read collateral allowance")
		}
		if allowance.Cmp(collateralAmount) < 0 {
			data, err := onchain.EncodeApprove(dep.GeneralAdapter1, collateralAmount)
			if err != nil {
				return nil, err
			}
			approvals = append(approvals, model.ApprovalTx{To: collateralAddr.Hex(), Data: data, Value: "0", Description: requirementApprove})
		}

		transfer, err := onchain.GeneralAdapterABI.Pack("erc20TransferFrom", collateralAddr, dep.GeneralAdapter1, collateralAmount)
		if err != nil {
			return nil, fmt.Errorf("encode erc20TransferFrom: %w", err)
		}
		supply, err := onchain.GeneralAdapterABI.Pack("morphoSupplyCollateral", params, collateralAmount, user, []byte{})
		if err != nil {
			return nil, fmt.Errorf("encode morphoSupplyCollateral: %w", err)
		}
		calls = append(calls, adapterCall(dep, transfer), adapterCall(dep, supply))
		operations = append(operations, model.Operation{Type: "Supply Collateral", Token: legs.Collateral.Token})
	}

	if borrowAmount.Sign() > 0 {
		authorized, err := r.IsAuthorized(ctx, dep.Morpho, user, dep.GeneralAdapter1)
		if err != nil {
			return nil, model.Upstream(err, "read morpho authorization")
		}
		if !authorized {
			data, err := onchain.Encode(&onchain.MorphoABI, "setAuthorization", dep.GeneralAdapter1, true)
			if err != nil {
				return nil, err
			}
			approvals = append(approvals, model.ApprovalTx{To: dep.Morpho.Hex(), Data: data, Value: "0", Description: requirementAuthorization})
		}

		minPrice := minSharePrice(borrowAmount, state, s.opts.SlippageBps)
		borrow, err := onchain.GeneralAdapterABI.Pack("morphoBorrow", params, borrowAmount, new(big.Int), minPrice, user)
		if err != nil {
			return nil, fmt.Errorf("encode morphoBorrow: %w", err)
		}
		calls = append(calls, adapterCall(dep, borrow))
		operations = append(operations, model.Operation{Type: "Borrow", Token: legs.Borrow.Token})
	}

	data, err := onchain.Encode(&onchain.Bundler3ABI, "multicall", calls)
	if err != nil {
		return nil, err
	}

	message := "No approvals needed. Ready to execute main transaction."
	if len(approvals) > 0 {
		required := make([]string, 0, len(approvals))
		for _, a := range approvals {
			required = append(required, a.Description)
		}
		message = fmt.Sprintf("Approval transactions required before the main transaction: %s.", strings.Join(required, ", "))
	}

	s.logger.Info().
		Str("chain", chainID).
		Str("market", marketKey).
		Str("user", user.Hex()).
		Int("calls", len(calls)).
		Int("requirements", len(approvals)).
		Msg("morpho borrow bundle planned")

	return &model.OperationResponse{
		TransactionData:      model.TxDescriptor{To: dep.Bundler3.Hex(), Data: data, Value: "0"},
		ApprovalTransactions: approvals,
		Simulation: BorrowSimulation{
			Market: marketKey,
			Collateral: model.TokenAmount{
				Token:    legs.Collateral.Token,
				Address:  collateral.Address,
				Amount:   model.FormatUnits(collateralAmount, collateral.Decimals),
				Decimals: collateral.Decimals,
			},
			Borrow: model.TokenAmount{
				Token:    legs.Borrow.Token,
				Address:  loan.Address,
				Amount:   model.FormatUnits(borrowAmount, loan.Decimals),
				Decimals: loan.Decimals,
			},
			Operations: operations,
			Message:    message,
		},
		ChainID: numeric,
	}, nil
}

// findMarket returns the unique key of the market pairing the two tokens,
// or "" when none exists.
func (s *Service) findMarket(ctx context.Context, chainID string, numeric int64, collateral, loan string) (string, error) {
	markets, err := s.api.AllMarkets(ctx, numeric)
	if err != nil {
		return "", err
	}
	for _, m := range markets {
		if m.CollateralAsset == nil || m.LoanAsset == nil || m.UniqueKey == "" {
			continue
		}
		if strings.EqualFold(m.CollateralAsset.Address, collateral) && strings.EqualFold(m.LoanAsset.Address, loan) {
			return m.UniqueKey, nil
		}
	}
	s.logger.Warn().Str("chain", chainID).Str("collateral", collateral).Str("loan", loan).Int("markets", len(markets)).Msg("no market for token pair")
	return "", nil
}

func adapterCall(dep Deployment, data []byte) onchain.BundleCall {
	return onchain.BundleCall{To: dep.GeneralAdapter1, Data: data, Value: new(big.Int)}
}

// minSharePrice is the borrow share price (assets per share, 1e27 scaled)
// below which the adapter reverts, given the slippage tolerance in bps.
func minSharePrice(assets *big.Int, state onchain.MorphoMarketState, slippageBps int64) *big.Int {
	if assets.Sign() == 0 {
		return new(big.Int)
	}
	totalShares := new(big.Int).Add(orZeroInt(state.TotalBorrowShares), virtualShares)
	totalAssets := new(big.Int).Add(orZeroInt(state.TotalBorrowAssets), virtualAssets)

	// shares = ceil(assets * totalShares / totalAssets)
	shares := new(big.Int).Mul(assets, totalShares)
	shares.Add(shares, new(big.Int).Sub(totalAssets, big.NewInt(1)))
	shares.Div(shares, totalAssets)

	price := new(big.Int).Mul(assets, e27)
	price.Div(price, shares)

	keep := new(big.Int).Sub(bpsDenom, big.NewInt(slippageBps))
	price.Mul(price, keep)
	return price.Div(price, bpsDenom)
}

func orZeroInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
