package onchain

import (
	"context"
	"errors"
	"math/big"
	"net/url"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defi-aggregator/internal/model"
	"defi-aggregator/internal/onchain/onchaintest"
)

var (
	token    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	user     = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	pool     = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	provider = common.HexToAddress("0x00000000000000000000000000000000000000d4")
)

func TestERC20Reads(t *testing.T) {
	fake := onchaintest.New()
	fake.Return(token, &ERC20ABI, "symbol", "USDC")
	fake.Return(token, &ERC20ABI, "decimals", uint8(6))
	fake.On(token, &ERC20ABI, "balanceOf", func(args []any) ([]any, error) {
		if args[0].(common.Address) != user {
			return []any{big.NewInt(0)}, nil
		}
		return []any{big.NewInt(1_500_000)}, nil
	})

	r := NewReader(fake)
	ctx := context.Background()

	sym, err := r.Symbol(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "USDC", sym)

	dec, err := r.Decimals(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, 6, dec)

	bal, err := r.BalanceOf(ctx, token, user)
	require.NoError(t, err)
	assert.Equal(t, int64(1_500_000), bal.Int64())
}

func TestReserveDataDecodesNamedFields(t *testing.T) {
	aToken := common.HexToAddress("0x00000000000000000000000000000000000000e5")
	debt := common.HexToAddress("0x00000000000000000000000000000000000000f6")
	fake := onchaintest.New()
	fake.Return(pool, &AavePoolABI, "getReserveData", ReserveData{
		Configuration:             ReserveConfigurationMap{Data: big.NewInt(0)},
		LiquidityIndex:            big.NewInt(1),
		CurrentLiquidityRate:      big.NewInt(2),
		VariableBorrowIndex:       big.NewInt(3),
		CurrentVariableBorrowRate: big.NewInt(4),
		CurrentStableBorrowRate:   big.NewInt(5),
		LastUpdateTimestamp:       big.NewInt(6),
		ID:                        7,
		ATokenAddress:             aToken,
		VariableDebtTokenAddress:  debt,
		AccruedToTreasury:         big.NewInt(0),
		Unbacked:                  big.NewInt(0),
		IsolationModeTotalDebt:    big.NewInt(0),
	})

	rd, err := NewReader(fake).ReserveData(context.Background(), pool, token)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rd.CurrentLiquidityRate.Int64())
	assert.Equal(t, int64(4), rd.CurrentVariableBorrowRate.Int64())
	assert.Equal(t, aToken, rd.ATokenAddress)
	assert.Equal(t, debt, rd.VariableDebtTokenAddress)
	assert.Equal(t, uint16(7), rd.ID)
}

func TestMultiOutputStructs(t *testing.T) {
	fake := onchaintest.New()
	fake.Return(provider, &AaveDataProviderABI, "getReserveConfigurationData",
		big.NewInt(6), big.NewInt(7700), big.NewInt(8000), big.NewInt(10500), big.NewInt(1000),
		true, true, false, true, false)
	fake.Return(provider, &AaveDataProviderABI, "getAllReservesTokens", []ReserveToken{
		{Symbol: "USDC", TokenAddress: token},
	})
	fake.Return(pool, &AavePoolABI, "getUserAccountData",
		big.NewInt(100), big.NewInt(50), big.NewInt(25), big.NewInt(8000), big.NewInt(7500), big.NewInt(2e18))

	r := NewReader(fake)
	ctx := context.Background()

	cfg, err := r.ReserveConfiguration(ctx, provider, token)
	require.NoError(t, err)
	assert.Equal(t, int64(7700), cfg.LTV.Int64())
	assert.True(t, cfg.UsageAsCollateralEnabled)

	reserves, err := r.ReservesTokens(ctx, provider)
	require.NoError(t, err)
	require.Len(t, reserves, 1)
	assert.Equal(t, "USDC", reserves[0].Symbol)

	acct, err := r.UserAccountData(ctx, pool, user)
	require.NoError(t, err)
	assert.Equal(t, int64(25), acct.AvailableBorrowsBase.Int64())
	assert.Equal(t, int64(7500), acct.LTV.Int64())
}

func TestCallErrorsAreUpstream(t *testing.T) {
	fake := onchaintest.New()
	fake.FailAll(errors.New("connection refused"))
	_, err := NewReader(fake).Symbol(context.Background(), token)
	require.Error(t, err)
	assert.Equal(t, model.KindUpstreamUnavailable, model.KindOf(err))
}

func TestEncodeApprove(t *testing.T) {
	data, err := EncodeApprove(user, big.NewInt(10))
	require.NoError(t, err)
	raw, err := hexutil.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "095ea7b3", common.Bytes2Hex(raw[:4]), "approve 选择器")
	assert.Len(t, raw, 4+64)
}

func TestParseHelpers(t *testing.T) {
	_, err := ParseAddress("owner", "0x123")
	assert.Equal(t, model.KindInvalidInput, model.KindOf(err))

	addr, err := ParseAddress("owner", "0x00000000000000000000000000000000000000b2")
	require.NoError(t, err)
	assert.Equal(t, user, addr)

	_, err = ParseMarketID("0x01")
	assert.Error(t, err)
	id, err := ParseMarketID("0x" + common.Bytes2Hex(common.LeftPadBytes([]byte{1}, 32)))
	require.NoError(t, err)
	assert.Equal(t, byte(1), id[31])

	state := MorphoMarketState{TotalSupplyAssets: big.NewInt(100), TotalBorrowAssets: big.NewInt(130)}
	assert.Equal(t, int64(0), state.Liquidity().Int64())
}

type failingCaller struct{ err error }

func (f failingCaller) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, f.err
}

func (f failingCaller) BlockNumber(context.Context) (uint64, error) { return 0, f.err }

func TestCallErrorsHideRPCKeys(t *testing.T) {
	r := NewReader(failingCaller{err: &url.Error{
		Op:  "Post",
		URL: "https://base-mainnet.g.alchemy.com/v2/SECRET-ALCHEMY-KEY",
		Err: errors.New("dial tcp: connection refused"),
	}})

	_, err := r.Symbol(context.Background(), token)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "SECRET-ALCHEMY-KEY", "RPC 密钥不应出现在错误中")
	assert.Contains(t, err.Error(), "base-mainnet.g.alchemy.com")
	assert.Equal(t, model.KindUpstreamUnavailable, model.KindOf(err))
}
