package aave

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"defi-aggregator/internal/model"
	"defi-aggregator/internal/onchain"
)

// OperationRequest is the body of every pool operation. Amount is in
// human units of the asset.
type OperationRequest struct {
	Asset  string       `json:"asset"`
	Amount model.Amount `json:"amount"`
	Sender string       `json:"sender"`
}

// Simulation describes what a built transaction will do.
type Simulation struct {
	Market     string            `json:"market"`
	Asset      model.TokenAmount `json:"asset"`
	Operations []model.Operation `json:"operations"`
	Message    string            `json:"message"`
}

const (
	rateModeStable   = 1
	rateModeVariable = 2
)

var (
	hfWarning = decimal.RequireFromString("1.5")
	hfNote    = decimal.NewFromInt(2)
)

type operation struct {
	market   MarketConfig
	reader   *onchain.Reader
	user     common.Address
	asset    common.Address
	symbol   string
	decimals int
	amount   *big.Int
	human    string
	chainID  int64
}

// prepare validates the request and resolves the asset against the
// market's reserves.
func (s *Service) prepare(ctx context.Context, chainID string, req OperationRequest) (*operation, context.CancelFunc, error) {
	user, err := onchain.ParseAddress("sender", req.Sender)
	if err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(req.Asset) == "" {
		return nil, nil, model.InvalidInput("asset is required")
	}
	m, err := s.Market(chainID)
	if err != nil {
		return nil, nil, err
	}
	numericID, err := s.clients.ChainID(m.Chain)
	if err != nil {
		return nil, nil, err
	}
	r, callCtx, cancel, err := s.reader(ctx, m.Chain)
	if err != nil {
		return nil, nil, err
	}

	asset, err := s.resolveAsset(callCtx, r, m, req.Asset)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	symbol, err := r.Symbol(callCtx, asset)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	symbol = displaySymbol(m.Chain, asset, symbol)
	decimals, err := r.Decimals(callCtx, asset)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	amount, err := model.ParseUnits(req.Amount.String(), decimals)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if amount.Sign() == 0 {
		cancel()
		return nil, nil, model.InvalidInput("amount must be greater than zero")
	}

	return &operation{
		market:   m,
		reader:   r,
		user:     user,
		asset:    asset,
		symbol:   symbol,
		decimals: decimals,
		amount:   amount,
		human:    model.FormatUnits(amount, decimals),
		chainID:  numericID,
	}, cancel, nil
}

func (s *Service) resolveAsset(ctx context.Context, r *onchain.Reader, m MarketConfig, asset string) (common.Address, error) {
	tokens, err := r.ReservesTokens(ctx, m.DataProvider)
	if err != nil {
		return common.Address{}, err
	}
	asset = strings.TrimSpace(asset)
	for _, rt := range tokens {
		if common.IsHexAddress(asset) && common.HexToAddress(asset) == rt.TokenAddress {
			return rt.TokenAddress, nil
		}
		if strings.EqualFold(rt.Symbol, asset) || strings.EqualFold(displaySymbol(m.Chain, rt.TokenAddress, rt.Symbol), asset) {
			return rt.TokenAddress, nil
		}
	}
	return common.Address{}, model.NotFound("Unsupported token %s on chain %s", asset, m.Chain)
}

func (op *operation) response(data string, approvals []model.ApprovalTx, opType, message string) *model.OperationResponse {
	return &model.OperationResponse{
		TransactionData:      model.TxDescriptor{To: op.market.Pool.Hex(), Data: data, Value: "0"},
		ApprovalTransactions: approvals,
		Simulation: Simulation{
			Market: op.market.Name(),
			Asset: model.TokenAmount{
				Token:    op.symbol,
				Address:  op.asset.Hex(),
				Amount:   op.human,
				Decimals: op.decimals,
			},
			Operations: []model.Operation{{Type: opType, Token: op.symbol}},
			Message:    message,
		},
		ChainID: op.chainID,
	}
}

// approvalIfNeeded returns an approve(pool, amount) transaction when the
// current allowance does not cover the amount.
func (op *operation) approvalIfNeeded(ctx context.Context, purpose string) ([]model.ApprovalTx, error) {
	allowance, err := op.reader.Allowance(ctx, op.asset, op.user, op.market.Pool)
	if err != nil {
		return nil, err
	}
	if allowance.Cmp(op.amount) >= 0 {
		return nil, nil
	}
	data, err := onchain.EncodeApprove(op.market.Pool, op.amount)
	if err != nil {
		return nil, err
	}
	return []model.ApprovalTx{{
		To:          op.asset.Hex(),
		Data:        data,
		Value:       "0",
		Description: fmt.Sprintf("Approve %s for Aave %s", op.symbol, purpose),
	}}, nil
}

// Supply builds Pool.supply(asset, amount, onBehalfOf, 0).
func (s *Service) Supply(ctx context.Context, chainID string, req OperationRequest) (*model.OperationResponse, error) {
	op, cancel, err := s.prepare(ctx, chainID, req)
	if err != nil {
		return nil, err
	}
	defer cancel()

	approvals, err := op.approvalIfNeeded(ctx, "supply")
	if err != nil {
		return nil, err
	}
	data, err := onchain.Encode(&onchain.AavePoolABI, "supply", op.asset, op.amount, op.user, uint16(0))
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("chain", op.market.Chain).Str("symbol", op.symbol).Str("amount", op.human).Msg("supply prepared")
	return op.response(data, approvals, "Supply",
		fmt.Sprintf("This transaction will supply %s %s to the Aave V3 market.", op.human, op.symbol)), nil
}

// Withdraw builds Pool.withdraw(asset, amount, to) after checking the
// aToken balance.
func (s *Service) Withdraw(ctx context.Context, chainID string, req OperationRequest) (*model.OperationResponse, error) {
	op, cancel, err := s.prepare(ctx, chainID, req)
	if err != nil {
		return nil, err
	}
	defer cancel()

	reserve, err := op.reader.ReserveData(ctx, op.market.Pool, op.asset)
	if err != nil {
		return nil, err
	}
	balance, err := op.reader.BalanceOf(ctx, reserve.ATokenAddress, op.user)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(op.amount) < 0 {
		return nil, model.InsufficientBalance("Insufficient balance. Available: %s %s", model.FormatUnits(balance, op.decimals), op.symbol)
	}
	data, err := onchain.Encode(&onchain.AavePoolABI, "withdraw", op.asset, op.amount, op.user)
	if err != nil {
		return nil, err
	}
	return op.response(data, nil, "Withdraw",
		fmt.Sprintf("This transaction will withdraw %s %s from the Aave V3 market.", op.human, op.symbol)), nil
}

// Borrow builds a variable-rate Pool.borrow after checking the user's
// borrowing capacity.
func (s *Service) Borrow(ctx context.Context, chainID string, req OperationRequest) (*model.OperationResponse, error) {
	op, cancel, err := s.prepare(ctx, chainID, req)
	if err != nil {
		return nil, err
	}
	defer cancel()

	account, err := op.reader.UserAccountData(ctx, op.market.Pool, op.user)
	if err != nil {
		return nil, err
	}
	if account.AvailableBorrowsBase == nil || account.AvailableBorrowsBase.Sign() == 0 {
		return nil, model.InsufficientCollateral("No collateral available for borrowing. Please supply collateral first.")
	}

	price := s.price(ctx, op.market.Chain, op.symbol, op.asset)
	borrowUSD := model.USDValue(op.amount, op.decimals, price)
	available := model.BaseToUSD(account.AvailableBorrowsBase)
	if borrowUSD.GreaterThan(available) {
		return nil, model.InsufficientCollateral("Borrow amount exceeds available borrowing capacity. Maximum available: $%s", model.Fixed2(available))
	}

	data, err := onchain.Encode(&onchain.AavePoolABI, "borrow", op.asset, op.amount, big.NewInt(rateModeVariable), uint16(0), op.user)
	if err != nil {
		return nil, err
	}

	message := fmt.Sprintf("This transaction will borrow %s %s from the Aave V3 market.", op.human, op.symbol)
	newDebt := model.BaseToUSD(account.TotalDebtBase).Add(borrowUSD)
	if newDebt.IsPositive() {
		hf := model.BaseToUSD(account.TotalCollateralBase).
			Mul(model.ToUnits(account.CurrentLiquidationThreshold, 4)).
			Div(newDebt)
		switch {
		case hf.LessThan(hfWarning):
			message += fmt.Sprintf(" WARNING: Your health factor after this borrow will be %s, which is dangerously low. Consider borrowing less.", model.Fixed2(hf))
		case hf.LessThan(hfNote):
			message += fmt.Sprintf(" Note: Your health factor after this borrow will be %s.", model.Fixed2(hf))
		}
	}
	return op.response(data, nil, "Borrow", message), nil
}

// Repay builds Pool.repay against the user's variable debt, falling back
// to stable debt.
func (s *Service) Repay(ctx context.Context, chainID string, req OperationRequest) (*model.OperationResponse, error) {
	op, cancel, err := s.prepare(ctx, chainID, req)
	if err != nil {
		return nil, err
	}
	defer cancel()

	reserve, err := op.reader.ReserveData(ctx, op.market.Pool, op.asset)
	if err != nil {
		return nil, err
	}
	variable, err := op.reader.BalanceOf(ctx, reserve.VariableDebtTokenAddress, op.user)
	if err != nil {
		return nil, err
	}
	stable := new(big.Int)
	if reserve.StableDebtTokenAddress != (common.Address{}) {
		if stable, err = op.reader.BalanceOf(ctx, reserve.StableDebtTokenAddress, op.user); err != nil {
			return nil, err
		}
	}

	var mode int64
	var debtType string
	switch {
	case variable.Sign() > 0:
		mode, debtType = rateModeVariable, "Variable"
	case stable.Sign() > 0:
		mode, debtType = rateModeStable, "Stable"
	default:
		return nil, model.NotFound("No debt found for %s", op.symbol)
	}

	balance, err := op.reader.BalanceOf(ctx, op.asset, op.user)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(op.amount) < 0 {
		return nil, model.InsufficientBalance("Insufficient %s balance. You have %s but trying to repay %s",
			op.symbol, model.FormatUnits(balance, op.decimals), op.human)
	}
	approvals, err := op.approvalIfNeeded(ctx, "repayment")
	if err != nil {
		return nil, err
	}
	data, err := onchain.Encode(&onchain.AavePoolABI, "repay", op.asset, op.amount, big.NewInt(mode), op.user)
	if err != nil {
		return nil, err
	}
	return op.response(data, approvals, fmt.Sprintf("Repay (%s)", debtType),
		fmt.Sprintf("This transaction will repay %s %s to the Aave V3 market, reducing your %s rate debt.", op.human, op.symbol, debtType)), nil
}
