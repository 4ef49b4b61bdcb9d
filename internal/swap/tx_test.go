package swap

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
)

type spendFixture struct {
	preimage lntypes.Preimage
	hash     lntypes.Hash
	claim    *btcec.PrivateKey
	refund   *btcec.PrivateKey
	script   []byte
	locktime uint32
	amount   btcutil.Amount
}

func newSpendFixture(t *testing.T) *spendFixture {
	t.Helper()
	f := &spendFixture{
		claim:    testKey(t),
		refund:   testKey(t),
		locktime: 1_000,
		amount:   98_500,
	}
	f.preimage, f.hash = testHash(42)
	var err error
	f.script, err = BuildRedeemScript(f.hash, f.claim.PubKey().SerializeCompressed(),
		f.refund.PubKey().SerializeCompressed(), f.locktime)
	if err != nil {
		t.Fatalf("BuildRedeemScript() error = %v", err)
	}
	return f
}

func (f *spendFixture) params(t *testing.T, key *btcec.PrivateKey) *SpendParams {
	t.Helper()
	dest, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(testKey(t).PubKey().SerializeCompressed()), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("failed to create destination: %v", err)
	}
	return &SpendParams{
		LockupTxID:   "6f7cf9580f1c2dfb3c4d5d043cdbb128c640e3f20161245aa7372e9666168516",
		LockupVout:   1,
		LockupAmount: f.amount,
		RedeemScript: f.script,
		Destination:  dest,
		FeeRate:      3,
		PrivKey:      key,
	}
}

// execute runs the lockup input of tx through the script engine.
func (f *spendFixture) execute(tx *wire.MsgTx) error {
	pkScript := P2WSHPkScript(f.script)
	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, int64(f.amount))
	vm, err := txscript.NewEngine(pkScript, tx, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, fetcher), int64(f.amount), fetcher)
	if err != nil {
		return err
	}
	return vm.Execute()
}

func TestBuildClaimTx(t *testing.T) {
	f := newSpendFixture(t)

	tx, err := BuildClaimTx(f.params(t, f.claim), f.preimage)
	if err != nil {
		t.Fatalf("BuildClaimTx() error = %v", err)
	}
	if err := f.execute(tx); err != nil {
		t.Fatalf("claim does not validate: %v", err)
	}

	if len(tx.TxOut) != 1 {
		t.Fatalf("expected 1 output, got %d", len(tx.TxOut))
	}
	if want := int64(f.amount) - claimVSize*3; tx.TxOut[0].Value != want {
		t.Errorf("output value = %d, want %d", tx.TxOut[0].Value, want)
	}
	if tx.TxIn[0].PreviousOutPoint.Index != 1 {
		t.Errorf("spent vout = %d, want 1", tx.TxIn[0].PreviousOutPoint.Index)
	}

	w := tx.TxIn[0].Witness
	if len(w) != 3 || !bytes.Equal(w[1], f.preimage[:]) || !bytes.Equal(w[2], f.script) {
		t.Fatalf("unexpected claim witness layout")
	}
	got, ok := PreimageFromWitness(w, f.hash)
	if !ok || got != f.preimage {
		t.Error("PreimageFromWitness did not recover the preimage")
	}
}

func TestBuildClaimTxWrongKey(t *testing.T) {
	f := newSpendFixture(t)
	tx, err := BuildClaimTx(f.params(t, f.refund), f.preimage)
	if err != nil {
		t.Fatalf("BuildClaimTx() error = %v", err)
	}
	if err := f.execute(tx); err == nil {
		t.Error("claim signed with the refund key validated")
	}
}

func TestBuildRefundTx(t *testing.T) {
	f := newSpendFixture(t)

	tx, err := BuildRefundTx(f.params(t, f.refund), f.locktime)
	if err != nil {
		t.Fatalf("BuildRefundTx() error = %v", err)
	}
	if tx.LockTime != f.locktime {
		t.Errorf("nLockTime = %d, want %d", tx.LockTime, f.locktime)
	}
	if tx.TxIn[0].Sequence == wire.MaxTxInSequenceNum {
		t.Error("refund input sequence is final")
	}
	if err := f.execute(tx); err != nil {
		t.Fatalf("refund does not validate: %v", err)
	}
	if _, ok := PreimageFromWitness(tx.TxIn[0].Witness, f.hash); ok {
		t.Error("refund witness reported as claim")
	}

	early := tx.Copy()
	early.LockTime = f.locktime - 1
	if err := f.execute(early); err == nil {
		t.Error("refund before locktime validated")
	}
}

func TestSpendBelowDust(t *testing.T) {
	f := newSpendFixture(t)
	p := f.params(t, f.claim)
	p.LockupAmount = 700
	p.FeeRate = 2
	if _, err := BuildClaimTx(p, f.preimage); err == nil {
		t.Error("expected dust error")
	}
}

func TestPreimageFromWitness(t *testing.T) {
	preimage, hash := testHash(5)
	other, _ := testHash(6)

	tests := []struct {
		name    string
		witness [][]byte
		want    bool
	}{
		{name: "claim", witness: [][]byte{{0x30}, preimage[:], {0x82}}, want: true},
		{name: "wrong preimage", witness: [][]byte{{0x30}, other[:], {0x82}}},
		{name: "refund", witness: [][]byte{{0x30}, {}, {0x82}}},
		{name: "p2wpkh", witness: [][]byte{{0x30}, {0x02}}},
		{name: "empty", witness: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := PreimageFromWitness(tt.witness, hash)
			if ok != tt.want {
				t.Fatalf("ok = %v, want %v", ok, tt.want)
			}
			if ok && got != preimage {
				t.Error("wrong preimage returned")
			}
		})
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	f := newSpendFixture(t)
	tx, err := BuildClaimTx(f.params(t, f.claim), f.preimage)
	if err != nil {
		t.Fatalf("BuildClaimTx() error = %v", err)
	}
	raw, err := SerializeTx(tx)
	if err != nil {
		t.Fatalf("SerializeTx() error = %v", err)
	}
	back, err := DeserializeTx(raw)
	if err != nil {
		t.Fatalf("DeserializeTx() error = %v", err)
	}
	if back.TxHash() != tx.TxHash() {
		t.Error("transaction hash changed across serialization")
	}
	if _, err := DeserializeTx("zz"); err == nil {
		t.Error("expected error for invalid hex")
	}
}
