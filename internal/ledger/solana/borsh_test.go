package solana

import (
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcutil/base58"
)

// writer builds borsh-encoded account data for decode tests.
type writer struct {
	buf []byte
}

func newWriter(account string) *writer {
	return &writer{buf: accountDiscriminator(account)}
}

func (w *writer) pubkey(b58 string) *writer {
	raw := base58.Decode(b58)
	if len(raw) != 32 {
		padded := make([]byte, 32)
		copy(padded, raw)
		raw = padded
	}
	w.buf = append(w.buf, raw...)
	return w
}

func (w *writer) u64(v uint64) *writer {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	return w
}

func (w *writer) i64(v int64) *writer { return w.u64(uint64(v)) }

func (w *writer) u32(v uint32) *writer {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	return w
}

func (w *writer) u16(v uint16) *writer {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
	return w
}

func (w *writer) u8(v uint8) *writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *writer) boolean(v bool) *writer {
	if v {
		return w.u8(1)
	}
	return w.u8(0)
}

func (w *writer) pubkeyVec(keys ...string) *writer {
	w.u32(uint32(len(keys)))
	for _, k := range keys {
		w.pubkey(k)
	}
	return w
}

const (
	testDesk  = "11111111111111111111111111111111"
	testMint  = "So11111111111111111111111111111111111111112"
	testOwner = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
)

func TestDecodeOfferAccount(t *testing.T) {
	data := newWriter("Offer").
		pubkey(testDesk).
		u64(3).            // consignment id
		pubkey(testMint).  // token mint
		u64(7).            // offer id
		pubkey(testOwner). // beneficiary
		u64(1_000_000_000).
		u16(1000).
		i64(1700000000).
		i64(1800000000).
		u64(250_000_000). // $2.50 at 8 decimals
		u16(500).
		u64(15_000_000_000). // $150 at 8 decimals
		u8(1).               // stable
		boolean(true).       // approved
		boolean(false).      // paid
		boolean(false).      // fulfilled
		boolean(false).      // cancelled
		pubkey(testOwner).   // payer
		u64(0).
		buf

	acct, err := decodeOfferAccount(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if acct.ID != 7 {
		t.Fatalf("expected offer id 7, got %d", acct.ID)
	}
	if acct.ConsignmentID != 3 {
		t.Fatalf("expected consignment id 3, got %d", acct.ConsignmentID)
	}
	if acct.TokenAmount != 1_000_000_000 {
		t.Fatalf("expected token amount 1e9, got %d", acct.TokenAmount)
	}
	if acct.DiscountBps != 1000 {
		t.Fatalf("expected 1000 bps, got %d", acct.DiscountBps)
	}
	if acct.PriceUSD8d != 250_000_000 {
		t.Fatalf("expected price 250000000, got %d", acct.PriceUSD8d)
	}
	if acct.Currency != 1 {
		t.Fatalf("expected stable currency, got %d", acct.Currency)
	}
	if !acct.Approved || acct.Paid || acct.Fulfilled || acct.Cancelled {
		t.Fatalf("unexpected flags: %+v", acct)
	}
	if acct.Beneficiary != testOwner {
		t.Fatalf("beneficiary round trip failed: %s", acct.Beneficiary)
	}
}

func TestDecodeConsignmentAccount(t *testing.T) {
	data := newWriter("Consignment").
		pubkey(testDesk).
		u64(3).
		pubkey(testMint).
		pubkey(testOwner).
		u64(50_000_000_000).
		u64(40_000_000_000).
		boolean(true). // negotiable
		u16(0).
		u32(0).
		u16(500).
		u16(2000).
		u32(30).
		u32(365).
		u64(1_000_000_000).
		u64(10_000_000_000).
		boolean(true).
		boolean(false).
		u16(1000). // max volatility bps
		i64(3600).
		boolean(true).
		i64(1700000000).
		buf

	acct, err := decodeConsignmentAccount(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if acct.ID != 3 {
		t.Fatalf("expected id 3, got %d", acct.ID)
	}
	if acct.RemainingAmount != 40_000_000_000 {
		t.Fatalf("expected remaining 4e10, got %d", acct.RemainingAmount)
	}
	if !acct.IsNegotiable || acct.MinDiscountBps != 500 || acct.MaxDiscountBps != 2000 {
		t.Fatalf("negotiable envelope mismatch: %+v", acct)
	}
	if acct.MaxPriceVolatilityBps != 1000 {
		t.Fatalf("expected 1000 volatility bps, got %d", acct.MaxPriceVolatilityBps)
	}
	if acct.MaxTimeToExecuteSecs != 3600 {
		t.Fatalf("expected 3600s window, got %d", acct.MaxTimeToExecuteSecs)
	}
	if !acct.IsActive {
		t.Fatal("consignment should decode active")
	}
}

func TestDecodeDeskAccountPauseFlag(t *testing.T) {
	data := newWriter("Desk").
		pubkey(testOwner).
		pubkey(testOwner).
		pubkey(testMint).
		u8(6).
		u64(100_000_000).
		i64(900).
		i64(60).
		boolean(false).
		pubkeyVec(testOwner, testDesk).
		u64(4).
		u64(8).
		boolean(true).
		buf

	acct, err := decodeDeskAccount(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !acct.Paused {
		t.Fatal("expected pause flag set")
	}
	if len(acct.Approvers) != 2 {
		t.Fatalf("expected 2 approvers, got %d", len(acct.Approvers))
	}
	if acct.NextOffer != 8 {
		t.Fatalf("expected next offer 8, got %d", acct.NextOffer)
	}
}

func TestDecodeRejectsWrongDiscriminator(t *testing.T) {
	data := newWriter("Consignment").pubkey(testDesk).buf
	if _, err := decodeOfferAccount(data); err == nil {
		t.Fatal("a consignment account must not decode as an offer")
	}
}

func TestDecodeRejectsTruncatedData(t *testing.T) {
	data := newWriter("Offer").pubkey(testDesk).u64(3).buf
	if _, err := decodeOfferAccount(data); err == nil {
		t.Fatal("truncated account data must not decode")
	}
}
