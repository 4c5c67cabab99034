package solana

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

// Account data layouts mirror the desk program's borsh serialization: an
// 8-byte account discriminator followed by the declared fields in order.

func accountDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte("account:" + name))
	return sum[:8]
}

// reader walks borsh-encoded account data.
type reader struct {
	data []byte
	pos  int
	err  error
}

func newReader(data []byte, account string) (*reader, error) {
	disc := accountDiscriminator(account)
	if len(data) < len(disc) {
		return nil, fmt.Errorf("account data too short for %s", account)
	}
	for i, b := range disc {
		if data[i] != b {
			return nil, fmt.Errorf("account discriminator mismatch, not a %s account", account)
		}
	}
	return &reader{data: data, pos: len(disc)}, nil
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+n > len(r.data) {
		r.err = fmt.Errorf("truncated account data at offset %d", r.pos)
		return nil
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *reader) pubkey() string {
	raw := r.take(32)
	if raw == nil {
		return ""
	}
	return base58.Encode(raw)
}

func (r *reader) u64() uint64 {
	raw := r.take(8)
	if raw == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(raw)
}

func (r *reader) i64() int64 { return int64(r.u64()) }

func (r *reader) u32() uint32 {
	raw := r.take(4)
	if raw == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(raw)
}

func (r *reader) u16() uint16 {
	raw := r.take(2)
	if raw == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(raw)
}

func (r *reader) u8() uint8 {
	raw := r.take(1)
	if raw == nil {
		return 0
	}
	return raw[0]
}

func (r *reader) boolean() bool { return r.u8() != 0 }

func (r *reader) pubkeyVec() []string {
	n := int(r.u32())
	out := make([]string, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.pubkey())
	}
	return out
}

// offerAccount matches the program's Offer account.
type offerAccount struct {
	Desk            string
	ConsignmentID   uint64
	TokenMint       string
	ID              uint64
	Beneficiary     string
	TokenAmount     uint64
	DiscountBps     uint16
	CreatedAt       int64
	UnlockTime      int64
	PriceUSD8d      uint64
	MaxDeviationBps uint16
	NativeUSD8d     uint64
	Currency        uint8
	Approved        bool
	Paid            bool
	Fulfilled       bool
	Cancelled       bool
	Payer           string
	AmountPaid      uint64
}

func decodeOfferAccount(data []byte) (*offerAccount, error) {
	r, err := newReader(data, "Offer")
	if err != nil {
		return nil, err
	}
	acct := &offerAccount{
		Desk:            r.pubkey(),
		ConsignmentID:   r.u64(),
		TokenMint:       r.pubkey(),
		ID:              r.u64(),
		Beneficiary:     r.pubkey(),
		TokenAmount:     r.u64(),
		DiscountBps:     r.u16(),
		CreatedAt:       r.i64(),
		UnlockTime:      r.i64(),
		PriceUSD8d:      r.u64(),
		MaxDeviationBps: r.u16(),
		NativeUSD8d:     r.u64(),
		Currency:        r.u8(),
		Approved:        r.boolean(),
		Paid:            r.boolean(),
		Fulfilled:       r.boolean(),
		Cancelled:       r.boolean(),
		Payer:           r.pubkey(),
		AmountPaid:      r.u64(),
	}
	return acct, r.err
}

// consignmentAccount matches the program's Consignment account.
type consignmentAccount struct {
	Desk                  string
	ID                    uint64
	TokenMint             string
	Consigner             string
	TotalAmount           uint64
	RemainingAmount       uint64
	IsNegotiable          bool
	FixedDiscountBps      uint16
	FixedLockupDays       uint32
	MinDiscountBps        uint16
	MaxDiscountBps        uint16
	MinLockupDays         uint32
	MaxLockupDays         uint32
	MinDealAmount         uint64
	MaxDealAmount         uint64
	IsFractionalized      bool
	IsPrivate             bool
	MaxPriceVolatilityBps uint16
	MaxTimeToExecuteSecs  int64
	IsActive              bool
	CreatedAt             int64
}

func decodeConsignmentAccount(data []byte) (*consignmentAccount, error) {
	r, err := newReader(data, "Consignment")
	if err != nil {
		return nil, err
	}
	acct := &consignmentAccount{
		Desk:                  r.pubkey(),
		ID:                    r.u64(),
		TokenMint:             r.pubkey(),
		Consigner:             r.pubkey(),
		TotalAmount:           r.u64(),
		RemainingAmount:       r.u64(),
		IsNegotiable:          r.boolean(),
		FixedDiscountBps:      r.u16(),
		FixedLockupDays:       r.u32(),
		MinDiscountBps:        r.u16(),
		MaxDiscountBps:        r.u16(),
		MinLockupDays:         r.u32(),
		MaxLockupDays:         r.u32(),
		MinDealAmount:         r.u64(),
		MaxDealAmount:         r.u64(),
		IsFractionalized:      r.boolean(),
		IsPrivate:             r.boolean(),
		MaxPriceVolatilityBps: r.u16(),
		MaxTimeToExecuteSecs:  r.i64(),
		IsActive:              r.boolean(),
		CreatedAt:             r.i64(),
	}
	return acct, r.err
}

// deskAccount decodes only the prefix of the Desk account needed for the
// pause pre-flight check.
type deskAccount struct {
	Owner           string
	Agent           string
	UsdcMint        string
	UsdcDecimals    uint8
	MinUSDAmount8d  uint64
	QuoteExpirySecs int64
	MaxPriceAgeSecs int64
	RestrictFulfill bool
	Approvers       []string
	NextConsignment uint64
	NextOffer       uint64
	Paused          bool
}

func decodeDeskAccount(data []byte) (*deskAccount, error) {
	r, err := newReader(data, "Desk")
	if err != nil {
		return nil, err
	}
	acct := &deskAccount{
		Owner:           r.pubkey(),
		Agent:           r.pubkey(),
		UsdcMint:        r.pubkey(),
		UsdcDecimals:    r.u8(),
		MinUSDAmount8d:  r.u64(),
		QuoteExpirySecs: r.i64(),
		MaxPriceAgeSecs: r.i64(),
		RestrictFulfill: r.boolean(),
		Approvers:       r.pubkeyVec(),
		NextConsignment: r.u64(),
		NextOffer:       r.u64(),
		Paused:          r.boolean(),
	}
	return acct, r.err
}
