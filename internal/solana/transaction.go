package solana

import (
	"encoding/base64"

	"github.com/cockroachdb/errors"
	"github.com/mr-tron/base58"
)

// Hash is a 32-byte recent blockhash.
type Hash [32]byte

// String encodes the hash as base58.
func (h Hash) String() string { return base58.Encode(h[:]) }

// ParseHash decodes a base58 blockhash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := base58.Decode(s)
	if err != nil {
		return h, errors.Wrapf(err, "decode blockhash %q", s)
	}
	if len(raw) != len(h) {
		return h, errors.Newf("blockhash %q decodes to %d bytes, want %d", s, len(raw), len(h))
	}
	copy(h[:], raw)
	return h, nil
}

// Transaction is a signed legacy transaction with a single signer.
type Transaction struct {
	Message   []byte
	Signature []byte
}

// BuildMemoTransaction compiles a legacy message carrying one memo
// instruction with no accounts, paid and signed by payer.
//
// Account keys are [payer, memo program]; the header is
// {1 required signature, 0 readonly signed, 1 readonly unsigned}.
func BuildMemoTransaction(payer *Keypair, recent Hash, memo []byte) (*Transaction, error) {
	if len(memo) == 0 {
		return nil, errors.New("memo payload is empty")
	}
	program, err := ParsePublicKey(MemoProgramID)
	if err != nil {
		return nil, err
	}
	payerKey := payer.PublicKey()

	msg := make([]byte, 0, 3+1+64+32+4+len(memo))
	msg = append(msg, 1, 0, 1)
	msg = appendCompactU16(msg, 2)
	msg = append(msg, payerKey[:]...)
	msg = append(msg, program[:]...)
	msg = append(msg, recent[:]...)

	msg = appendCompactU16(msg, 1)
	msg = append(msg, 1) // program id index
	msg = appendCompactU16(msg, 0)
	msg = appendCompactU16(msg, len(memo))
	msg = append(msg, memo...)

	return &Transaction{
		Message:   msg,
		Signature: payer.Sign(msg),
	}, nil
}

// Serialize returns the wire encoding: signature count, signatures, message.
func (t *Transaction) Serialize() []byte {
	out := appendCompactU16(nil, 1)
	out = append(out, t.Signature...)
	return append(out, t.Message...)
}

// Base64 returns the serialized transaction for sendTransaction.
func (t *Transaction) Base64() string {
	return base64.StdEncoding.EncodeToString(t.Serialize())
}

// ID is the transaction signature in base58, known before submission.
func (t *Transaction) ID() string {
	return base58.Encode(t.Signature)
}

// appendCompactU16 appends n in the ledger's shortvec encoding.
func appendCompactU16(b []byte, n int) []byte {
	v := uint16(n)
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}
