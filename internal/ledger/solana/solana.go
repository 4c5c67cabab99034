package solana

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"otcdesk/internal/domain"
	"otcdesk/internal/ledger"
)

const usdExponent = -8

// Byte offsets inside program accounts, used as getProgramAccounts memcmp
// filters: 8-byte discriminator, then the fields preceding `id`.
const (
	consignmentIDOffset = 8 + 32
	offerIDOffset       = 8 + 32 + 8 + 32
)

// Options parameterise the Solana desk adapter. Treasury and payer token
// accounts are fixed per desk, so they are configuration rather than lookups.
type Options struct {
	RPCURL          string
	ProgramID       string
	DeskAddress     string
	SignerKeyBase58 string
	TokenTreasury   string
	StableTreasury  string
	PayerStableATA  string
	TokenProgram    string
	SystemProgram   string
	Timeout         time.Duration
	ConfirmPoll     time.Duration
	ConfirmWait     time.Duration
}

// Adapter drives the desk program on Solana with the custodial keypair.
type Adapter struct {
	opts   Options
	logger zerolog.Logger
	gate   *ledger.SubmitGate
	rpc    *rpcClient
	key    ed25519.PrivateKey
	pubkey string
}

// New constructs the adapter, validating the custodial keypair eagerly.
func New(opts Options, gate *ledger.SubmitGate, logger zerolog.Logger) (*Adapter, error) {
	if opts.RPCURL == "" {
		return nil, errors.New("solana rpc url not configured")
	}
	if opts.ProgramID == "" || opts.DeskAddress == "" {
		return nil, errors.New("solana program id and desk address required")
	}

	secret := base58.Decode(opts.SignerKeyBase58)
	if len(secret) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("custodial key must be %d bytes, got %d", ed25519.PrivateKeySize, len(secret))
	}
	key := ed25519.PrivateKey(secret)

	if opts.TokenProgram == "" {
		opts.TokenProgram = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	}
	if opts.SystemProgram == "" {
		opts.SystemProgram = "11111111111111111111111111111111"
	}

	return &Adapter{
		opts:   opts,
		logger: logger.With().Str("component", "solana_adapter").Logger(),
		gate:   gate,
		rpc:    newRPCClient(opts.RPCURL, opts.Timeout),
		key:    key,
		pubkey: base58.Encode(key.Public().(ed25519.PublicKey)),
	}, nil
}

// Chain implements ledger.Adapter.
func (a *Adapter) Chain() domain.Chain { return domain.ChainSolana }

// ReadConsignment locates the consignment account by id and decodes it.
func (a *Adapter) ReadConsignment(ctx context.Context, id uint64) (*domain.Consignment, error) {
	data, _, err := a.findAccount(ctx, "Consignment", consignmentIDOffset, id)
	if err != nil {
		return nil, err
	}
	acct, err := decodeConsignmentAccount(data)
	if err != nil {
		return nil, a.chainErr("readConsignment", err, false)
	}

	status := domain.ConsignmentActive
	switch {
	case acct.RemainingAmount == 0:
		status = domain.ConsignmentExhausted
	case !acct.IsActive:
		status = domain.ConsignmentWithdrawn
	}

	return &domain.Consignment{
		ID:                    acct.ID,
		Chain:                 domain.ChainSolana,
		TokenID:               acct.TokenMint,
		Consigner:             acct.Consigner,
		TotalAmount:           new(big.Int).SetUint64(acct.TotalAmount),
		RemainingAmount:       new(big.Int).SetUint64(acct.RemainingAmount),
		IsNegotiable:          acct.IsNegotiable,
		FixedDiscountBps:      acct.FixedDiscountBps,
		FixedLockupDays:       acct.FixedLockupDays,
		MinDiscountBps:        acct.MinDiscountBps,
		MaxDiscountBps:        acct.MaxDiscountBps,
		MinLockupDays:         acct.MinLockupDays,
		MaxLockupDays:         acct.MaxLockupDays,
		MinDealAmount:         new(big.Int).SetUint64(acct.MinDealAmount),
		MaxDealAmount:         new(big.Int).SetUint64(acct.MaxDealAmount),
		IsFractionalized:      acct.IsFractionalized,
		IsPrivate:             acct.IsPrivate,
		MaxPriceVolatilityBps: acct.MaxPriceVolatilityBps,
		MaxTimeToExecuteSecs:  acct.MaxTimeToExecuteSecs,
		Status:                status,
		CreatedAt:             time.Unix(acct.CreatedAt, 0).UTC(),
	}, nil
}

// ReadOffer locates the offer account by id and decodes it.
func (a *Adapter) ReadOffer(ctx context.Context, id uint64) (*domain.Offer, error) {
	data, _, err := a.findAccount(ctx, "Offer", offerIDOffset, id)
	if err != nil {
		return nil, err
	}
	acct, err := decodeOfferAccount(data)
	if err != nil {
		return nil, a.chainErr("readOffer", err, false)
	}

	offer := &domain.Offer{
		ID:               acct.ID,
		Chain:            domain.ChainSolana,
		TokenID:          acct.TokenMint,
		Beneficiary:      acct.Beneficiary,
		TokenAmount:      new(big.Int).SetUint64(acct.TokenAmount),
		DiscountBps:      acct.DiscountBps,
		LockupSecs:       acct.UnlockTime - acct.CreatedAt,
		Currency:         domain.Currency(acct.Currency),
		PriceUSDPerToken: decimal.New(int64(acct.PriceUSD8d), usdExponent),
		NativeUSDPrice:   decimal.New(int64(acct.NativeUSD8d), usdExponent),
		Approved:         acct.Approved,
		Paid:             acct.Paid,
		Fulfilled:        acct.Fulfilled,
		Cancelled:        acct.Cancelled,
		AmountPaid:       new(big.Int).SetUint64(acct.AmountPaid),
		Payer:            acct.Payer,
		CreatedAt:        time.Unix(acct.CreatedAt, 0).UTC(),
		UnlockTime:       time.Unix(acct.UnlockTime, 0).UTC(),
	}
	if acct.ConsignmentID != 0 {
		cid := acct.ConsignmentID
		offer.ConsignmentID = &cid
	}
	return offer, nil
}

// DeskPaused reads the desk account's pause flag.
func (a *Adapter) DeskPaused(ctx context.Context) (bool, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	data, err := a.rpc.getAccountData(ctx, a.opts.DeskAddress)
	if err != nil {
		return false, a.chainErr("deskPaused", err, false)
	}
	if data == nil {
		return false, fmt.Errorf("desk account %s: %w", a.opts.DeskAddress, domain.ErrNotFound)
	}
	desk, err := decodeDeskAccount(data)
	if err != nil {
		return false, a.chainErr("deskPaused", err, false)
	}
	return desk.Paused, nil
}

// ApproveOffer submits a signed approve_offer instruction.
func (a *Adapter) ApproveOffer(ctx context.Context, id uint64) (ledger.TxRef, error) {
	offerAddr, err := a.offerAddress(ctx, id)
	if err != nil {
		return ledger.TxRef{}, err
	}

	data := append(anchorDiscriminator("approve_offer"), u64le(id)...)
	metas, err := a.metas(
		meta{a.opts.DeskAddress, false, false},
		meta{offerAddr, false, true},
		meta{a.pubkey, true, false},
	)
	if err != nil {
		return ledger.TxRef{}, err
	}
	return a.submit(ctx, "approveOffer", data, metas)
}

// PayOffer submits the exact computed payment for the offer's currency.
// Native offers settle lamports through fulfill_offer_sol; stable offers move
// base units from the custodial stable token account via fulfill_offer_usdc.
// The program recomputes the owed amount from the offer's own snapshot, so a
// mismatch with the locally computed amount reverts rather than overpays.
func (a *Adapter) PayOffer(ctx context.Context, id uint64, amount *big.Int, currency domain.Currency) (ledger.TxRef, error) {
	if amount == nil || amount.Sign() <= 0 {
		return ledger.TxRef{}, &domain.ValidationError{Field: "amount", Reason: "payment amount must be positive"}
	}

	offerAddr, err := a.offerAddress(ctx, id)
	if err != nil {
		return ledger.TxRef{}, err
	}

	switch currency {
	case domain.CurrencyNative:
		data := append(anchorDiscriminator("fulfill_offer_sol"), u64le(id)...)
		metas, err := a.metas(
			meta{a.opts.DeskAddress, false, true},
			meta{offerAddr, false, true},
			meta{a.opts.TokenTreasury, false, true},
			meta{a.pubkey, true, true},
			meta{a.opts.SystemProgram, false, false},
		)
		if err != nil {
			return ledger.TxRef{}, err
		}
		return a.submit(ctx, "payOffer", data, metas)
	case domain.CurrencyStable:
		data := append(anchorDiscriminator("fulfill_offer_usdc"), u64le(id)...)
		metas, err := a.metas(
			meta{a.opts.DeskAddress, false, true},
			meta{offerAddr, false, true},
			meta{a.opts.TokenTreasury, false, true},
			meta{a.opts.StableTreasury, false, true},
			meta{a.opts.PayerStableATA, false, true},
			meta{a.pubkey, true, true},
			meta{a.opts.TokenProgram, false, false},
			meta{a.opts.SystemProgram, false, false},
		)
		if err != nil {
			return ledger.TxRef{}, err
		}
		return a.submit(ctx, "payOffer", data, metas)
	default:
		return ledger.TxRef{}, &domain.ValidationError{Field: "currency", Reason: fmt.Sprintf("unsupported currency %d", currency)}
	}
}

// WaitForConfirmation polls signature status until the transaction reaches
// confirmed commitment, fails, or the wait budget expires.
func (a *Adapter) WaitForConfirmation(ctx context.Context, ref ledger.TxRef) (ledger.Confirmation, error) {
	wait := a.opts.ConfirmWait
	if wait <= 0 {
		wait = 90 * time.Second
	}
	poll := a.opts.ConfirmPoll
	if poll <= 0 {
		poll = 2 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		status, err := a.rpc.signatureStatus(ctx, ref.Hash)
		if err != nil {
			a.logger.Debug().Err(err).Str("sig", ref.Hash).Msg("signature status poll failed")
		} else if status != nil {
			if len(status.Err) > 0 && string(status.Err) != "null" {
				return ledger.Confirmation{Ref: ref, Confirmed: false, Detail: string(status.Err)}, nil
			}
			if status.ConfirmationStatus == "confirmed" || status.ConfirmationStatus == "finalized" {
				return ledger.Confirmation{Ref: ref, Confirmed: true}, nil
			}
		}

		select {
		case <-ctx.Done():
			return ledger.Confirmation{}, a.chainErr("waitForConfirmation", fmt.Errorf("signature %s unconfirmed: %w", ref.Hash, ctx.Err()), false)
		case <-ticker.C:
		}
	}
}

type meta struct {
	address  string
	signer   bool
	writable bool
}

func (a *Adapter) metas(ms ...meta) ([]accountMeta, error) {
	out := make([]accountMeta, 0, len(ms))
	for _, m := range ms {
		key, err := decodeKey(m.address)
		if err != nil {
			return nil, &domain.ValidationError{Field: "account", Reason: err.Error()}
		}
		out = append(out, accountMeta{pubkey: key, signer: m.signer, writable: m.writable})
	}
	return out, nil
}

func (a *Adapter) submit(ctx context.Context, op string, data []byte, metas []accountMeta) (ledger.TxRef, error) {
	programKey, err := decodeKey(a.opts.ProgramID)
	if err != nil {
		return ledger.TxRef{}, &domain.ValidationError{Field: "program_id", Reason: err.Error()}
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var ref ledger.TxRef
	gateKey := string(domain.ChainSolana) + "/" + a.pubkey
	err = a.gate.Do(ctx, gateKey, func() error {
		blockhash, err := a.rpc.latestBlockhash(ctx)
		if err != nil {
			return a.chainErr(op, fmt.Errorf("fetch blockhash: %w", err), false)
		}

		tx, err := buildTransaction(instruction{programID: programKey, accounts: metas, data: data}, a.key, blockhash)
		if err != nil {
			return fmt.Errorf("build %s transaction: %w", op, err)
		}

		sig, err := a.rpc.sendTransaction(ctx, tx)
		if err != nil {
			return a.chainErr(op, err, isProgramRejection(err))
		}
		ref = ledger.TxRef{Chain: domain.ChainSolana, Hash: sig}
		return nil
	})
	if err != nil {
		return ledger.TxRef{}, err
	}

	a.logger.Info().Str("op", op).Str("sig", ref.Hash).Msg("transaction broadcast")
	return ref, nil
}

// offerAddress resolves the account address holding offer id.
func (a *Adapter) offerAddress(ctx context.Context, id uint64) (string, error) {
	_, addr, err := a.findAccount(ctx, "Offer", offerIDOffset, id)
	return addr, err
}

// findAccount scans program accounts for the record whose id field matches,
// narrowing by account discriminator and desk so unrelated desks sharing the
// program are excluded.
func (a *Adapter) findAccount(ctx context.Context, account string, idOffset int, id uint64) ([]byte, string, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	deskKey, err := decodeKey(a.opts.DeskAddress)
	if err != nil {
		return nil, "", &domain.ValidationError{Field: "desk_address", Reason: err.Error()}
	}

	filters := []memcmpFilter{
		{Offset: 0, Bytes: accountDiscriminator(account)},
		{Offset: 8, Bytes: deskKey[:]},
		{Offset: idOffset, Bytes: u64le(id)},
	}
	accounts, err := a.rpc.getProgramAccounts(ctx, a.opts.ProgramID, filters)
	if err != nil {
		return nil, "", a.chainErr("find"+account, err, false)
	}
	if len(accounts) == 0 {
		return nil, "", fmt.Errorf("%s %d on %s: %w", strings.ToLower(account), id, domain.ChainSolana, domain.ErrNotFound)
	}
	if len(accounts) > 1 {
		return nil, "", a.chainErr("find"+account, fmt.Errorf("%d accounts match %s id %d", len(accounts), account, id), false)
	}

	raw := accounts[0].Account.Data
	if len(raw) < 1 {
		return nil, "", a.chainErr("find"+account, errors.New("account data missing"), false)
	}
	data, err := decodeAccountData(raw[0])
	if err != nil {
		return nil, "", a.chainErr("find"+account, err, false)
	}
	return data, accounts[0].Pubkey, nil
}

func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := a.opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (a *Adapter) chainErr(op string, err error, reverted bool) error {
	ce := &domain.ChainError{Chain: domain.ChainSolana, Op: op, Reverted: reverted, Err: err}
	if reverted {
		ce.Reason = err.Error()
	}
	return ce
}

// isProgramRejection distinguishes the program refusing the instruction from
// transport trouble. Preflight simulation failures surface custom program
// errors through the RPC error message.
func isProgramRejection(err error) bool {
	var rpcErr *rpcError
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "custom program error") ||
		strings.Contains(msg, "instructionerror") ||
		strings.Contains(msg, "transaction simulation failed")
}

func u64le(v uint64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, v)
	return out
}

var _ ledger.Adapter = (*Adapter)(nil)
