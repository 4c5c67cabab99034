package pricing

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"otcdesk/internal/domain"
)

const (
	factoryABIJSON = `[{"inputs":[{"internalType":"address","name":"tokenA","type":"address"},{"internalType":"address","name":"tokenB","type":"address"}],"name":"getPair","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}]`
	pairABIJSON    = `[{"inputs":[],"name":"getReserves","outputs":[{"internalType":"uint112","name":"reserve0","type":"uint112"},{"internalType":"uint112","name":"reserve1","type":"uint112"},{"internalType":"uint32","name":"blockTimestampLast","type":"uint32"}],"stateMutability":"view","type":"function"},{"inputs":[],"name":"token0","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}]`
)

var (
	factoryABI abi.ABI
	pairABI    abi.ABI
)

func init() {
	var err error
	if factoryABI, err = abi.JSON(strings.NewReader(factoryABIJSON)); err != nil {
		panic("failed to parse factory ABI: " + err.Error())
	}
	if pairABI, err = abi.JSON(strings.NewReader(pairABIJSON)); err != nil {
		panic("failed to parse pair ABI: " + err.Error())
	}
}

// UniV2Options parameterise the constant-product pair reader.
type UniV2Options struct {
	RPCURL string
	// FactoryAddress of the constant-product AMM deployment.
	FactoryAddress string
	// StableAddress is the USD-pegged quote token pairs are read against.
	StableAddress string
	// StableDecimals of the quote token (6 for the canonical stables).
	StableDecimals int32
	// TokenDecimals of the desk-traded tokens; pairs quote whole tokens.
	TokenDecimals int32
	ProtocolName  string
	Timeout       time.Duration
}

// UniV2 derives a token's USD price from a constant-product AMM's stable
// pair reserves. TVL is approximated as twice the stable side.
type UniV2 struct {
	opts   UniV2Options
	logger zerolog.Logger

	clientMux sync.Mutex
	client    *ethclient.Client
}

// NewUniV2 builds a pair reader over one AMM deployment.
func NewUniV2(opts UniV2Options, logger zerolog.Logger) *UniV2 {
	if opts.ProtocolName == "" {
		opts.ProtocolName = "uniswap-v2"
	}
	if opts.StableDecimals == 0 {
		opts.StableDecimals = 6
	}
	if opts.TokenDecimals == 0 {
		opts.TokenDecimals = 18
	}
	return &UniV2{
		opts:   opts,
		logger: logger.With().Str("component", "univ2_venue").Logger(),
	}
}

// Protocol implements VenueReader.
func (u *UniV2) Protocol() string { return u.opts.ProtocolName }

// Pools implements VenueReader for the EVM family only.
func (u *UniV2) Pools(ctx context.Context, tokenID string, chain domain.Chain) ([]Pool, error) {
	if chain != domain.ChainEVM || u.opts.RPCURL == "" {
		return nil, nil
	}

	timeout := u.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := u.getClient(ctx)
	if err != nil {
		return nil, err
	}

	token := common.HexToAddress(tokenID)
	stable := common.HexToAddress(u.opts.StableAddress)
	factory := common.HexToAddress(u.opts.FactoryAddress)

	var pair common.Address
	if err := u.callAddress(ctx, client, factory, factoryABI, "getPair", &pair, token, stable); err != nil {
		return nil, err
	}
	if pair == (common.Address{}) {
		return nil, nil
	}

	var token0 common.Address
	if err := u.callAddress(ctx, client, pair, pairABI, "token0", &token0); err != nil {
		return nil, err
	}

	payload, err := pairABI.Pack("getReserves")
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &pair, Data: payload}, nil)
	if err != nil {
		return nil, err
	}
	outputs, err := pairABI.Unpack("getReserves", res)
	if err != nil || len(outputs) < 2 {
		return nil, err
	}
	reserve0, _ := outputs[0].(*big.Int)
	reserve1, _ := outputs[1].(*big.Int)
	if reserve0 == nil || reserve1 == nil {
		return nil, nil
	}

	tokenReserve, stableReserve := reserve0, reserve1
	if token0 != token {
		tokenReserve, stableReserve = reserve1, reserve0
	}
	if tokenReserve.Sign() == 0 || stableReserve.Sign() == 0 {
		return nil, nil
	}

	stableUsd := decimal.NewFromBigInt(stableReserve, -u.opts.StableDecimals)
	tokens := decimal.NewFromBigInt(tokenReserve, -u.opts.TokenDecimals)

	return []Pool{{
		Protocol: u.opts.ProtocolName,
		PriceUsd: stableUsd.Div(tokens),
		TVLUsd:   stableUsd.Mul(decimal.NewFromInt(2)),
	}}, nil
}

func (u *UniV2) callAddress(ctx context.Context, client *ethclient.Client, to common.Address, contractABI abi.ABI, method string, out *common.Address, args ...interface{}) error {
	payload, err := contractABI.Pack(method, args...)
	if err != nil {
		return err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: payload}, nil)
	if err != nil {
		return err
	}
	outputs, err := contractABI.Unpack(method, res)
	if err != nil || len(outputs) != 1 {
		return err
	}
	addr, ok := outputs[0].(common.Address)
	if !ok {
		return nil
	}
	*out = addr
	return nil
}

func (u *UniV2) getClient(ctx context.Context) (*ethclient.Client, error) {
	u.clientMux.Lock()
	defer u.clientMux.Unlock()

	if u.client != nil {
		return u.client, nil
	}
	client, err := ethclient.DialContext(ctx, u.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	u.client = client
	return client, nil
}

var _ VenueReader = (*UniV2)(nil)
