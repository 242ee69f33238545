package onchain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"defi-aggregator/internal/chain"
	"defi-aggregator/internal/logging"
	"defi-aggregator/internal/model"
)

// Reader performs typed eth_call reads against one chain.
type Reader struct {
	caller chain.Caller
}

// NewReader wraps an RPC client.
func NewReader(caller chain.Caller) *Reader {
	return &Reader{caller: caller}
}

// Call packs method with args, executes it at the latest block and decodes into out.
func (r *Reader) Call(ctx context.Context, to common.Address, contract *abi.ABI, method string, out any, args ...any) error {
	res, err := r.raw(ctx, to, contract, method, args...)
	if err != nil {
		return err
	}
	if err := contract.UnpackIntoInterface(out, method, res); err != nil {
		return fmt.Errorf("decode %s from %s: %w", method, to.Hex(), err)
	}
	return nil
}

// CallStruct is Call for methods returning a single tuple, which
// UnpackIntoInterface cannot map onto a struct. out must be a pointer.
func (r *Reader) CallStruct(ctx context.Context, to common.Address, contract *abi.ABI, method string, out any, args ...any) (err error) {
	res, err := r.raw(ctx, to, contract, method, args...)
	if err != nil {
		return err
	}
	values, err := contract.Unpack(method, res)
	if err != nil {
		return fmt.Errorf("decode %s from %s: %w", method, to.Hex(), err)
	}
	if len(values) != 1 {
		return fmt.Errorf("decode %s from %s: expected 1 value, got %d", method, to.Hex(), len(values))
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("decode %s from %s: %v", method, to.Hex(), rec)
		}
	}()
	abi.ConvertType(values[0], out)
	return nil
}

func (r *Reader) raw(ctx context.Context, to common.Address, contract *abi.ABI, method string, args ...any) ([]byte, error) {
	payload, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	res, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: payload}, nil)
	if err != nil {
		return nil, model.Upstream(logging.RedactURL(err), "eth_call %s on %s failed", method, to.Hex())
	}
	return res, nil
}

// Symbol reads ERC-20 symbol().
func (r *Reader) Symbol(ctx context.Context, token common.Address) (string, error) {
	var out string
	err := r.Call(ctx, token, &ERC20ABI, "symbol", &out)
	return out, err
}

// Name reads ERC-20 name().
func (r *Reader) Name(ctx context.Context, token common.Address) (string, error) {
	var out string
	err := r.Call(ctx, token, &ERC20ABI, "name", &out)
	return out, err
}

// Decimals reads ERC-20 decimals().
func (r *Reader) Decimals(ctx context.Context, token common.Address) (int, error) {
	var out uint8
	if err := r.Call(ctx, token, &ERC20ABI, "decimals", &out); err != nil {
		return 0, err
	}
	return int(out), nil
}

// TotalSupply reads ERC-20 totalSupply().
func (r *Reader) TotalSupply(ctx context.Context, token common.Address) (*big.Int, error) {
	out := new(big.Int)
	err := r.Call(ctx, token, &ERC20ABI, "totalSupply", &out)
	return out, err
}

// BalanceOf reads ERC-20 balanceOf(account).
func (r *Reader) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	out := new(big.Int)
	err := r.Call(ctx, token, &ERC20ABI, "balanceOf", &out, account)
	return out, err
}

// Allowance reads ERC-20 allowance(owner, spender).
func (r *Reader) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	out := new(big.Int)
	err := r.Call(ctx, token, &ERC20ABI, "allowance", &out, owner, spender)
	return out, err
}

// ReservesTokens reads the data provider's reserve list.
func (r *Reader) ReservesTokens(ctx context.Context, provider common.Address) ([]ReserveToken, error) {
	var out []ReserveToken
	err := r.Call(ctx, provider, &AaveDataProviderABI, "getAllReservesTokens", &out)
	return out, err
}

// ReserveConfiguration reads a reserve's risk configuration.
func (r *Reader) ReserveConfiguration(ctx context.Context, provider, asset common.Address) (ReserveConfiguration, error) {
	var out ReserveConfiguration
	err := r.Call(ctx, provider, &AaveDataProviderABI, "getReserveConfigurationData", &out, asset)
	return out, err
}

// ReserveData reads a reserve's live state from the pool.
func (r *Reader) ReserveData(ctx context.Context, pool, asset common.Address) (ReserveData, error) {
	var out ReserveData
	err := r.CallStruct(ctx, pool, &AavePoolABI, "getReserveData", &out, asset)
	return out, err
}

// UserAccountData reads a user's aggregate Aave position.
func (r *Reader) UserAccountData(ctx context.Context, pool, user common.Address) (UserAccountData, error) {
	var out UserAccountData
	err := r.Call(ctx, pool, &AavePoolABI, "getUserAccountData", &out, user)
	return out, err
}

// MarketParams reads Morpho.idToMarketParams(id).
func (r *Reader) MarketParams(ctx context.Context, morpho common.Address, id [32]byte) (MarketParams, error) {
	var out MarketParams
	err := r.Call(ctx, morpho, &MorphoABI, "idToMarketParams", &out, id)
	return out, err
}

// MarketState reads Morpho.market(id).
func (r *Reader) MarketState(ctx context.Context, morpho common.Address, id [32]byte) (MorphoMarketState, error) {
	var out MorphoMarketState
	err := r.Call(ctx, morpho, &MorphoABI, "market", &out, id)
	return out, err
}

// IsAuthorized reads Morpho.isAuthorized(authorizer, authorized).
func (r *Reader) IsAuthorized(ctx context.Context, morpho, authorizer, authorized common.Address) (bool, error) {
	var out bool
	err := r.Call(ctx, morpho, &MorphoABI, "isAuthorized", &out, authorizer, authorized)
	return out, err
}

// Encode packs calldata as a 0x-prefixed hex string.
func Encode(contract *abi.ABI, method string, args ...any) (string, error) {
	payload, err := contract.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", method, err)
	}
	return hexutil.Encode(payload), nil
}

// EncodeApprove builds ERC-20 approve(spender, amount) calldata.
func EncodeApprove(spender common.Address, amount *big.Int) (string, error) {
	return Encode(&ERC20ABI, "approve", spender, amount)
}

// ParseAddress validates and parses a 0x-prefixed hex address.
func ParseAddress(field, value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) || !strings.HasPrefix(strings.ToLower(value), "0x") {
		return common.Address{}, model.InvalidInput("%s must be a 0x-prefixed address", field)
	}
	return common.HexToAddress(value), nil
}

// ParseMarketID parses a 32-byte Morpho market id.
func ParseMarketID(value string) ([32]byte, error) {
	var id [32]byte
	raw, err := hexutil.Decode(strings.TrimSpace(value))
	if err != nil || len(raw) != 32 {
		return id, model.InvalidInput("invalid market id %q", value)
	}
	copy(id[:], raw)
	return id, nil
}

// Clients hands out per-chain RPC callers. *chain.Registry implements it.
type Clients interface {
	Client(ctx context.Context, chainID string) (chain.Caller, error)
	ChainID(chainID string) (int64, error)
}

// ReaderFor returns a Reader bound to the chain's client.
func ReaderFor(ctx context.Context, clients Clients, chainID string) (*Reader, error) {
	caller, err := clients.Client(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return NewReader(caller), nil
}
