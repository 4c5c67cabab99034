package solana

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

// accountMeta names one account referenced by an instruction.
type accountMeta struct {
	pubkey   [32]byte
	signer   bool
	writable bool
}

type instruction struct {
	programID [32]byte
	accounts  []accountMeta
	data      []byte
}

// anchorDiscriminator derives the 8-byte instruction tag for a program method.
func anchorDiscriminator(method string) []byte {
	sum := sha256.Sum256([]byte("global:" + method))
	return sum[:8]
}

func decodeKey(address string) ([32]byte, error) {
	var key [32]byte
	raw := base58.Decode(address)
	if len(raw) != 32 {
		return key, fmt.Errorf("invalid account address %q", address)
	}
	copy(key[:], raw)
	return key, nil
}

// appendShortVec writes the compact-u16 length prefix used throughout the
// wire format.
func appendShortVec(buf *bytes.Buffer, n int) {
	v := uint16(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			buf.WriteByte(b)
			return
		}
		buf.WriteByte(b | 0x80)
	}
}

// buildTransaction assembles and signs a single-instruction legacy
// transaction. The fee payer is the custodial signer and always occupies the
// first account slot.
func buildTransaction(ins instruction, signer ed25519.PrivateKey, recentBlockhash string) (string, error) {
	var payer [32]byte
	copy(payer[:], signer.Public().(ed25519.PublicKey))

	type slot struct {
		key      [32]byte
		signer   bool
		writable bool
	}

	// Deduplicate keys, merging signer/writable attributes; payer first.
	slots := []slot{{key: payer, signer: true, writable: true}}
	index := map[[32]byte]int{payer: 0}
	add := func(key [32]byte, isSigner, isWritable bool) {
		if i, ok := index[key]; ok {
			slots[i].signer = slots[i].signer || isSigner
			slots[i].writable = slots[i].writable || isWritable
			return
		}
		index[key] = len(slots)
		slots = append(slots, slot{key: key, signer: isSigner, writable: isWritable})
	}
	for _, m := range ins.accounts {
		add(m.pubkey, m.signer, m.writable)
	}
	add(ins.programID, false, false)

	// Wire order: writable signers, readonly signers, writable non-signers,
	// readonly non-signers.
	ordered := make([]slot, 0, len(slots))
	for _, pass := range []func(slot) bool{
		func(s slot) bool { return s.signer && s.writable },
		func(s slot) bool { return s.signer && !s.writable },
		func(s slot) bool { return !s.signer && s.writable },
		func(s slot) bool { return !s.signer && !s.writable },
	} {
		for _, s := range slots {
			if pass(s) {
				ordered = append(ordered, s)
			}
		}
	}
	position := make(map[[32]byte]byte, len(ordered))
	var numSigners, numReadonlySigned, numReadonlyUnsigned byte
	for i, s := range ordered {
		position[s.key] = byte(i)
		if s.signer {
			numSigners++
			if !s.writable {
				numReadonlySigned++
			}
		} else if !s.writable {
			numReadonlyUnsigned++
		}
	}

	blockhash := base58.Decode(recentBlockhash)
	if len(blockhash) != 32 {
		return "", fmt.Errorf("invalid recent blockhash %q", recentBlockhash)
	}

	var msg bytes.Buffer
	msg.WriteByte(numSigners)
	msg.WriteByte(numReadonlySigned)
	msg.WriteByte(numReadonlyUnsigned)

	appendShortVec(&msg, len(ordered))
	for _, s := range ordered {
		msg.Write(s.key[:])
	}
	msg.Write(blockhash)

	appendShortVec(&msg, 1)
	msg.WriteByte(position[ins.programID])
	appendShortVec(&msg, len(ins.accounts))
	for _, m := range ins.accounts {
		msg.WriteByte(position[m.pubkey])
	}
	appendShortVec(&msg, len(ins.data))
	msg.Write(ins.data)

	if numSigners != 1 {
		return "", fmt.Errorf("expected a single signer, message requires %d", numSigners)
	}
	signature := ed25519.Sign(signer, msg.Bytes())

	var tx bytes.Buffer
	appendShortVec(&tx, 1)
	tx.Write(signature)
	tx.Write(msg.Bytes())

	return base64.StdEncoding.EncodeToString(tx.Bytes()), nil
}

// txSignature renders the first signature of a built transaction in the form
// ledgers index it by.
func txSignature(txBase64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return "", err
	}
	// shortvec count (0x01 for one signature) followed by 64 signature bytes.
	if len(raw) < 65 || raw[0] != 1 {
		return "", fmt.Errorf("malformed signed transaction")
	}
	return base58.Encode(raw[1:65]), nil
}
