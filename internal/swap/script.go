// Package swap implements the submarine swap engine: redeem scripts,
// swap records and their lifecycle, and the claim/refund transactions
// that settle them on chain.
package swap

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/lntypes"
	"golang.org/x/crypto/ripemd160"
)

// maxLocktime is the largest block height accepted for an absolute
// CLTV locktime. Values at or above it are interpreted as timestamps.
const maxLocktime = txscript.LockTimeThreshold - 1

// ScriptParams are the components of a swap redeem script.
type ScriptParams struct {
	// PaymentHash160 is RIPEMD160(payment_hash).
	PaymentHash160 [20]byte
	ClaimPubKey    []byte
	RefundPubKey   []byte
	Locktime       uint32
}

// MatchesHash reports whether the script commits to paymentHash.
func (p *ScriptParams) MatchesHash(paymentHash lntypes.Hash) bool {
	return p.PaymentHash160 == hash160(paymentHash[:])
}

// BuildRedeemScript creates the P2WSH redeem script for a swap.
//
//	OP_SIZE 32 OP_EQUAL
//	OP_IF
//	    OP_HASH160 <ripemd160(payment_hash)> OP_EQUALVERIFY
//	    <claim_pubkey>
//	OP_ELSE
//	    OP_DROP <locktime> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    <refund_pubkey>
//	OP_ENDIF
//	OP_CHECKSIG
//
// The claim path takes the 32-byte preimage and a claim_pubkey signature.
// The refund path takes any other-sized element and a refund_pubkey
// signature once the chain has reached locktime.
func BuildRedeemScript(paymentHash lntypes.Hash, claimPubKey, refundPubKey []byte, locktime uint32) ([]byte, error) {
	if err := validatePubKey("claim", claimPubKey); err != nil {
		return nil, err
	}
	if err := validatePubKey("refund", refundPubKey); err != nil {
		return nil, err
	}
	if locktime == 0 || locktime > maxLocktime {
		return nil, fmt.Errorf("%w: locktime %d is not a block height", ErrScript, locktime)
	}

	h := hash160(paymentHash[:])

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_SIZE)
	builder.AddInt64(32)
	builder.AddOp(txscript.OP_EQUAL)
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(h[:])
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(claimPubKey)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddOp(txscript.OP_DROP)
	builder.AddInt64(int64(locktime))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(refundPubKey)
	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_CHECKSIG)

	script, err := builder.Script()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScript, err)
	}
	return script, nil
}

// DeriveAddress returns the P2WSH address of a redeem script.
func DeriveAddress(redeemScript []byte, net *chaincfg.Params) (btcutil.Address, error) {
	scriptHash := sha256.Sum256(redeemScript)
	addr, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], net)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScript, err)
	}
	return addr, nil
}

// P2WSHPkScript returns the output script OP_0 <sha256(redeemScript)>.
func P2WSHPkScript(redeemScript []byte) []byte {
	scriptHash := sha256.Sum256(redeemScript)
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(scriptHash[:])
	pkScript, _ := builder.Script()
	return pkScript
}

// ParseRedeemScript checks that script has exactly the swap template and
// extracts its components.
func ParseRedeemScript(script []byte) (*ScriptParams, error) {
	tok := txscript.MakeScriptTokenizer(0, script)

	expectOp := func(op byte, name string) error {
		if !tok.Next() || tok.Opcode() != op {
			return fmt.Errorf("%w: expected %s", ErrScript, name)
		}
		return nil
	}
	expectData := func(size int, name string) ([]byte, error) {
		if !tok.Next() || len(tok.Data()) != size {
			return nil, fmt.Errorf("%w: expected %d-byte %s", ErrScript, size, name)
		}
		return tok.Data(), nil
	}

	if err := expectOp(txscript.OP_SIZE, "OP_SIZE"); err != nil {
		return nil, err
	}
	size, err := expectData(1, "preimage size")
	if err != nil {
		return nil, err
	}
	if size[0] != 32 {
		return nil, fmt.Errorf("%w: preimage size must be 32", ErrScript)
	}
	if err := expectOp(txscript.OP_EQUAL, "OP_EQUAL"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_IF, "OP_IF"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_HASH160, "OP_HASH160"); err != nil {
		return nil, err
	}
	h, err := expectData(20, "payment hash160")
	if err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_EQUALVERIFY, "OP_EQUALVERIFY"); err != nil {
		return nil, err
	}
	claim, err := expectData(33, "claim pubkey")
	if err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_ELSE, "OP_ELSE"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_DROP, "OP_DROP"); err != nil {
		return nil, err
	}

	if !tok.Next() {
		return nil, fmt.Errorf("%w: expected locktime", ErrScript)
	}
	locktime, err := decodeLocktime(tok.Opcode(), tok.Data())
	if err != nil {
		return nil, err
	}

	if err := expectOp(txscript.OP_CHECKLOCKTIMEVERIFY, "OP_CHECKLOCKTIMEVERIFY"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_DROP, "OP_DROP"); err != nil {
		return nil, err
	}
	refund, err := expectData(33, "refund pubkey")
	if err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_ENDIF, "OP_ENDIF"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_CHECKSIG, "OP_CHECKSIG"); err != nil {
		return nil, err
	}
	if tok.Next() {
		return nil, fmt.Errorf("%w: trailing data after OP_CHECKSIG", ErrScript)
	}
	if tok.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrScript, tok.Err())
	}

	params := &ScriptParams{
		ClaimPubKey:  append([]byte(nil), claim...),
		RefundPubKey: append([]byte(nil), refund...),
		Locktime:     locktime,
	}
	copy(params.PaymentHash160[:], h)
	return params, nil
}

// RedeemScriptHex returns the lowercase hex encoding used on the wire.
func RedeemScriptHex(script []byte) string {
	return hex.EncodeToString(script)
}

// decodeLocktime decodes a minimally encoded script number pushed for
// OP_CHECKLOCKTIMEVERIFY. Negative, oversized and non-minimal encodings
// are rejected, so a script parses only in the form BuildRedeemScript
// produces.
func decodeLocktime(op byte, data []byte) (uint32, error) {
	if txscript.IsSmallInt(op) {
		v := txscript.AsSmallInt(op)
		if v == 0 {
			return 0, fmt.Errorf("%w: zero locktime", ErrScript)
		}
		return uint32(v), nil
	}
	if len(data) == 0 || len(data) > 5 || int(op) != len(data) {
		return 0, fmt.Errorf("%w: invalid locktime push", ErrScript)
	}
	last := data[len(data)-1]
	if last&0x80 != 0 {
		return 0, fmt.Errorf("%w: negative locktime", ErrScript)
	}
	// A zero top byte is only allowed to clear the sign bit of the byte
	// below it.
	if last == 0 && (len(data) == 1 || data[len(data)-2]&0x80 == 0) {
		return 0, fmt.Errorf("%w: locktime is not minimally encoded", ErrScript)
	}
	var v uint64
	for i, b := range data {
		v |= uint64(b) << (8 * i)
	}
	if v <= 16 {
		return 0, fmt.Errorf("%w: locktime %d must use a small integer opcode", ErrScript, v)
	}
	if v > maxLocktime {
		return 0, fmt.Errorf("%w: locktime %d is not a block height", ErrScript, v)
	}
	return uint32(v), nil
}

func validatePubKey(role string, key []byte) error {
	if len(key) != btcec.PubKeyBytesLenCompressed {
		return fmt.Errorf("%w: %s pubkey must be 33 bytes (compressed), got %d", ErrScript, role, len(key))
	}
	if key[0] != 0x02 && key[0] != 0x03 {
		return fmt.Errorf("%w: %s pubkey is not compressed", ErrScript, role)
	}
	if _, err := btcec.ParsePubKey(key); err != nil {
		return fmt.Errorf("%w: %s pubkey: %v", ErrScript, role, err)
	}
	return nil
}

func hash160(b []byte) [20]byte {
	var out [20]byte
	h := ripemd160.New()
	h.Write(b)
	copy(out[:], h.Sum(nil))
	return out
}
