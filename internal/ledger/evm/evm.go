package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"otcdesk/internal/domain"
	"otcdesk/internal/ledger"
)

// deskABI covers the subset of the OTC desk contract this service consumes.
const deskABIJSON = `[
{"inputs":[{"internalType":"uint64","name":"id","type":"uint64"}],"name":"getConsignment","outputs":[{"components":[{"internalType":"address","name":"token","type":"address"},{"internalType":"address","name":"consigner","type":"address"},{"internalType":"uint256","name":"totalAmount","type":"uint256"},{"internalType":"uint256","name":"remainingAmount","type":"uint256"},{"internalType":"bool","name":"isNegotiable","type":"bool"},{"internalType":"uint16","name":"fixedDiscountBps","type":"uint16"},{"internalType":"uint32","name":"fixedLockupDays","type":"uint32"},{"internalType":"uint16","name":"minDiscountBps","type":"uint16"},{"internalType":"uint16","name":"maxDiscountBps","type":"uint16"},{"internalType":"uint32","name":"minLockupDays","type":"uint32"},{"internalType":"uint32","name":"maxLockupDays","type":"uint32"},{"internalType":"uint256","name":"minDealAmount","type":"uint256"},{"internalType":"uint256","name":"maxDealAmount","type":"uint256"},{"internalType":"bool","name":"isFractionalized","type":"bool"},{"internalType":"bool","name":"isPrivate","type":"bool"},{"internalType":"uint16","name":"maxPriceVolatilityBps","type":"uint16"},{"internalType":"uint64","name":"maxTimeToExecuteSecs","type":"uint64"},{"internalType":"bool","name":"isActive","type":"bool"},{"internalType":"uint64","name":"createdAt","type":"uint64"},{"internalType":"bool","name":"exists","type":"bool"}],"internalType":"struct OtcDesk.ConsignmentView","name":"","type":"tuple"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint64","name":"id","type":"uint64"}],"name":"getOffer","outputs":[{"components":[{"internalType":"uint64","name":"consignmentId","type":"uint64"},{"internalType":"address","name":"token","type":"address"},{"internalType":"address","name":"beneficiary","type":"address"},{"internalType":"uint256","name":"tokenAmount","type":"uint256"},{"internalType":"uint16","name":"discountBps","type":"uint16"},{"internalType":"uint64","name":"lockupSecs","type":"uint64"},{"internalType":"uint8","name":"currency","type":"uint8"},{"internalType":"uint64","name":"priceUsd8d","type":"uint64"},{"internalType":"uint64","name":"nativeUsd8d","type":"uint64"},{"internalType":"bool","name":"approved","type":"bool"},{"internalType":"bool","name":"paid","type":"bool"},{"internalType":"bool","name":"fulfilled","type":"bool"},{"internalType":"bool","name":"cancelled","type":"bool"},{"internalType":"uint256","name":"amountPaid","type":"uint256"},{"internalType":"address","name":"payer","type":"address"},{"internalType":"uint64","name":"createdAt","type":"uint64"},{"internalType":"uint64","name":"unlockTime","type":"uint64"},{"internalType":"uint64","name":"maxTimeToExecuteSecs","type":"uint64"},{"internalType":"bool","name":"exists","type":"bool"}],"internalType":"struct OtcDesk.OfferView","name":"","type":"tuple"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"paused","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint64","name":"id","type":"uint64"}],"name":"approveOffer","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"uint64","name":"id","type":"uint64"},{"internalType":"uint256","name":"amount","type":"uint256"},{"internalType":"uint8","name":"currency","type":"uint8"}],"name":"payOffer","outputs":[],"stateMutability":"payable","type":"function"}
]`

var deskABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(deskABIJSON))
	if err != nil {
		panic("failed to parse desk ABI: " + err.Error())
	}
	deskABI = parsed
}

// The desk contract carries USD prices as 8-decimal fixed point.
const usdExponent = -8

type consignmentView struct {
	Token                 common.Address
	Consigner             common.Address
	TotalAmount           *big.Int
	RemainingAmount       *big.Int
	IsNegotiable          bool
	FixedDiscountBps      uint16
	FixedLockupDays       uint32
	MinDiscountBps        uint16
	MaxDiscountBps        uint16
	MinLockupDays         uint32
	MaxLockupDays         uint32
	MinDealAmount         *big.Int
	MaxDealAmount         *big.Int
	IsFractionalized      bool
	IsPrivate             bool
	MaxPriceVolatilityBps uint16
	MaxTimeToExecuteSecs  uint64
	IsActive              bool
	CreatedAt             uint64
	Exists                bool
}

type offerView struct {
	ConsignmentId        uint64
	Token                common.Address
	Beneficiary          common.Address
	TokenAmount          *big.Int
	DiscountBps          uint16
	LockupSecs           uint64
	Currency             uint8
	PriceUsd8d           uint64
	NativeUsd8d          uint64
	Approved             bool
	Paid                 bool
	Fulfilled            bool
	Cancelled            bool
	AmountPaid           *big.Int
	Payer                common.Address
	CreatedAt            uint64
	UnlockTime           uint64
	MaxTimeToExecuteSecs uint64
	Exists               bool
}

// Options parameterise the EVM desk adapter.
type Options struct {
	RPCURL        string
	DeskAddress   string
	PrivateKeyHex string
	ChainID       int64
	Timeout       time.Duration
	ConfirmPoll   time.Duration
	ConfirmWait   time.Duration
}

// Adapter talks to the desk contract on an EVM chain with the custodial key.
type Adapter struct {
	opts   Options
	logger zerolog.Logger
	gate   *ledger.SubmitGate

	desk    common.Address
	key     *ecdsa.PrivateKey
	signer  common.Address
	chainID *big.Int

	clientMux sync.Mutex
	client    *ethclient.Client
}

// New constructs the adapter. The custodial key is validated eagerly so a
// misconfigured deployment fails at startup rather than at first settlement.
func New(opts Options, gate *ledger.SubmitGate, logger zerolog.Logger) (*Adapter, error) {
	if opts.RPCURL == "" {
		return nil, errors.New("evm rpc url not configured")
	}
	if !common.IsHexAddress(opts.DeskAddress) {
		return nil, fmt.Errorf("invalid desk address %q", opts.DeskAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse custodial key: %w", err)
	}
	if opts.ChainID <= 0 {
		return nil, errors.New("evm chain id not configured")
	}

	return &Adapter{
		opts:    opts,
		logger:  logger.With().Str("component", "evm_adapter").Logger(),
		gate:    gate,
		desk:    common.HexToAddress(opts.DeskAddress),
		key:     key,
		signer:  crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(opts.ChainID),
	}, nil
}

// Chain implements ledger.Adapter.
func (a *Adapter) Chain() domain.Chain { return domain.ChainEVM }

// ReadConsignment loads a consignment record from the desk contract.
func (a *Adapter) ReadConsignment(ctx context.Context, id uint64) (*domain.Consignment, error) {
	var view consignmentView
	if err := a.call(ctx, "getConsignment", &view, id); err != nil {
		return nil, err
	}
	if !view.Exists {
		return nil, fmt.Errorf("consignment %d on %s: %w", id, domain.ChainEVM, domain.ErrNotFound)
	}

	status := domain.ConsignmentActive
	switch {
	case view.RemainingAmount.Sign() == 0:
		status = domain.ConsignmentExhausted
	case !view.IsActive:
		status = domain.ConsignmentWithdrawn
	}

	return &domain.Consignment{
		ID:                    id,
		Chain:                 domain.ChainEVM,
		TokenID:               strings.ToLower(view.Token.Hex()),
		Consigner:             strings.ToLower(view.Consigner.Hex()),
		TotalAmount:           view.TotalAmount,
		RemainingAmount:       view.RemainingAmount,
		IsNegotiable:          view.IsNegotiable,
		FixedDiscountBps:      view.FixedDiscountBps,
		FixedLockupDays:       view.FixedLockupDays,
		MinDiscountBps:        view.MinDiscountBps,
		MaxDiscountBps:        view.MaxDiscountBps,
		MinLockupDays:         view.MinLockupDays,
		MaxLockupDays:         view.MaxLockupDays,
		MinDealAmount:         view.MinDealAmount,
		MaxDealAmount:         view.MaxDealAmount,
		IsFractionalized:      view.IsFractionalized,
		IsPrivate:             view.IsPrivate,
		MaxPriceVolatilityBps: view.MaxPriceVolatilityBps,
		MaxTimeToExecuteSecs:  int64(view.MaxTimeToExecuteSecs),
		Status:                status,
		CreatedAt:             time.Unix(int64(view.CreatedAt), 0).UTC(),
	}, nil
}

// ReadOffer loads an offer record from the desk contract.
func (a *Adapter) ReadOffer(ctx context.Context, id uint64) (*domain.Offer, error) {
	var view offerView
	if err := a.call(ctx, "getOffer", &view, id); err != nil {
		return nil, err
	}
	if !view.Exists {
		return nil, fmt.Errorf("offer %d on %s: %w", id, domain.ChainEVM, domain.ErrNotFound)
	}

	offer := &domain.Offer{
		ID:                   id,
		Chain:                domain.ChainEVM,
		TokenID:              strings.ToLower(view.Token.Hex()),
		Beneficiary:          strings.ToLower(view.Beneficiary.Hex()),
		TokenAmount:          view.TokenAmount,
		DiscountBps:          view.DiscountBps,
		LockupSecs:           int64(view.LockupSecs),
		Currency:             domain.Currency(view.Currency),
		PriceUSDPerToken:     decimal.New(int64(view.PriceUsd8d), usdExponent),
		NativeUSDPrice:       decimal.New(int64(view.NativeUsd8d), usdExponent),
		Approved:             view.Approved,
		Paid:                 view.Paid,
		Fulfilled:            view.Fulfilled,
		Cancelled:            view.Cancelled,
		AmountPaid:           view.AmountPaid,
		Payer:                strings.ToLower(view.Payer.Hex()),
		CreatedAt:            time.Unix(int64(view.CreatedAt), 0).UTC(),
		UnlockTime:           time.Unix(int64(view.UnlockTime), 0).UTC(),
		MaxTimeToExecuteSecs: int64(view.MaxTimeToExecuteSecs),
	}
	if view.ConsignmentId != 0 {
		cid := view.ConsignmentId
		offer.ConsignmentID = &cid
	}
	return offer, nil
}

// DeskPaused reads the desk pause flag.
func (a *Adapter) DeskPaused(ctx context.Context) (bool, error) {
	var paused bool
	if err := a.call(ctx, "paused", &paused); err != nil {
		return false, err
	}
	return paused, nil
}

// ApproveOffer submits a signed approval transaction.
func (a *Adapter) ApproveOffer(ctx context.Context, id uint64) (ledger.TxRef, error) {
	return a.submit(ctx, "approveOffer", nil, id)
}

// PayOffer submits the exact computed payment. For native-currency offers the
// amount rides as transaction value; for stable offers it is a call argument
// settled by the contract from the desk's pre-approved allowance.
func (a *Adapter) PayOffer(ctx context.Context, id uint64, amount *big.Int, currency domain.Currency) (ledger.TxRef, error) {
	var value *big.Int
	if currency == domain.CurrencyNative {
		value = amount
	}
	return a.submit(ctx, "payOffer", value, id, amount, uint8(currency))
}

// WaitForConfirmation polls for the transaction receipt until it lands or the
// wait budget expires. An exhausted budget is transient: the transaction may
// still confirm later and reconciliation will observe it.
func (a *Adapter) WaitForConfirmation(ctx context.Context, ref ledger.TxRef) (ledger.Confirmation, error) {
	client, err := a.getClient(ctx)
	if err != nil {
		return ledger.Confirmation{}, a.chainErr("waitForConfirmation", err, false)
	}

	wait := a.opts.ConfirmWait
	if wait <= 0 {
		wait = 2 * time.Minute
	}
	poll := a.opts.ConfirmPoll
	if poll <= 0 {
		poll = 3 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	hash := common.HexToHash(ref.Hash)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return ledger.Confirmation{Ref: ref, Confirmed: true}, nil
			}
			return ledger.Confirmation{Ref: ref, Confirmed: false, Detail: "transaction reverted on-chain"}, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			a.logger.Debug().Err(err).Str("tx", ref.Hash).Msg("receipt poll failed")
		}

		select {
		case <-ctx.Done():
			return ledger.Confirmation{}, a.chainErr("waitForConfirmation", fmt.Errorf("tx %s unconfirmed: %w", ref.Hash, ctx.Err()), false)
		case <-ticker.C:
		}
	}
}

func (a *Adapter) call(ctx context.Context, method string, out interface{}, args ...interface{}) error {
	client, err := a.getClient(ctx)
	if err != nil {
		return a.chainErr(method, err, false)
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	payload, err := deskABI.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &a.desk, Data: payload}, nil)
	if err != nil {
		return a.chainErr(method, err, isRevert(err))
	}

	values, err := deskABI.Unpack(method, res)
	if err != nil || len(values) != 1 {
		return a.chainErr(method, fmt.Errorf("decode %s output: %w", method, err), false)
	}

	switch dst := out.(type) {
	case *bool:
		b, ok := values[0].(bool)
		if !ok {
			return a.chainErr(method, fmt.Errorf("unexpected %s output type", method), false)
		}
		*dst = b
	case *consignmentView:
		*dst = *abi.ConvertType(values[0], new(consignmentView)).(*consignmentView)
	case *offerView:
		*dst = *abi.ConvertType(values[0], new(offerView)).(*offerView)
	default:
		return fmt.Errorf("unsupported output type for %s", method)
	}
	return nil
}

// submit builds, signs, and broadcasts one transaction. Nonce assignment and
// broadcast run inside the submit gate so concurrent settlements from the
// shared custodial key cannot collide on a nonce.
func (a *Adapter) submit(ctx context.Context, method string, value *big.Int, args ...interface{}) (ledger.TxRef, error) {
	client, err := a.getClient(ctx)
	if err != nil {
		return ledger.TxRef{}, a.chainErr(method, err, false)
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	payload, err := deskABI.Pack(method, args...)
	if err != nil {
		return ledger.TxRef{}, fmt.Errorf("pack %s: %w", method, err)
	}

	var ref ledger.TxRef
	gateKey := string(domain.ChainEVM) + "/" + a.signer.Hex()
	err = a.gate.Do(ctx, gateKey, func() error {
		nonce, err := client.PendingNonceAt(ctx, a.signer)
		if err != nil {
			return a.chainErr(method, fmt.Errorf("fetch nonce: %w", err), false)
		}

		gasPrice, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return a.chainErr(method, fmt.Errorf("suggest gas price: %w", err), false)
		}

		msg := ethereum.CallMsg{From: a.signer, To: &a.desk, Data: payload, Value: value}
		gasLimit, err := client.EstimateGas(ctx, msg)
		if err != nil {
			// Estimation executes the call; a revert here proves the ledger
			// rejects the transaction before anything is broadcast.
			return a.chainErr(method, err, isRevert(err))
		}

		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &a.desk,
			Value:    value,
			Gas:      gasLimit + gasLimit/5,
			GasPrice: gasPrice,
			Data:     payload,
		})

		signed, err := types.SignTx(tx, types.LatestSignerForChainID(a.chainID), a.key)
		if err != nil {
			return fmt.Errorf("sign %s: %w", method, err)
		}

		if err := client.SendTransaction(ctx, signed); err != nil {
			return a.chainErr(method, err, isRevert(err))
		}

		ref = ledger.TxRef{Chain: domain.ChainEVM, Hash: signed.Hash().Hex()}
		return nil
	})
	if err != nil {
		return ledger.TxRef{}, err
	}

	a.logger.Info().Str("method", method).Str("tx", ref.Hash).Msg("transaction broadcast")
	return ref, nil
}

func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := a.opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (a *Adapter) getClient(ctx context.Context) (*ethclient.Client, error) {
	a.clientMux.Lock()
	defer a.clientMux.Unlock()

	if a.client != nil {
		return a.client, nil
	}
	client, err := ethclient.DialContext(ctx, a.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	a.client = client
	return client, nil
}

func (a *Adapter) chainErr(op string, err error, reverted bool) error {
	ce := &domain.ChainError{Chain: domain.ChainEVM, Op: op, Reverted: reverted, Err: err}
	if reverted {
		ce.Reason = err.Error()
	}
	return ce
}

func isRevert(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert")
}

var _ ledger.Adapter = (*Adapter)(nil)
