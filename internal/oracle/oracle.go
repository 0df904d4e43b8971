// Package oracle implements the off-chain half of the decryption protocol:
// the key holder that answers market/request_decryption events with cleartexts,
// decryption shares, and proofs the chain can verify.
package oracle

import (
	"fmt"
	"io"

	"github.com/tiffany0xlapoinp/Railroad-FHE/internal/codec"
	"github.com/tiffany0xlapoinp/Railroad-FHE/internal/railcrypto"
)

// DefaultScanLimit bounds the discrete-log recovery of aggregate values.
// Cargo aggregates are small integers; a batch would need over a million
// units of total demand to exceed it.
const DefaultScanLimit uint64 = 1 << 20

type Oracle struct {
	sk railcrypto.Scalar
	pk railcrypto.Point

	rand io.Reader
}

// Generate draws a fresh decryption key from r (pass crypto/rand.Reader).
func Generate(r io.Reader) (*Oracle, error) {
	sk, err := railcrypto.RandomScalar(r)
	if err != nil {
		return nil, fmt.Errorf("oracle: generate key: %w", err)
	}
	if sk.IsZero() {
		return nil, fmt.Errorf("oracle: zero secret key")
	}
	return &Oracle{sk: sk, pk: railcrypto.MulBase(sk), rand: r}, nil
}

// PublicKey is the 32-byte point registered on-chain via market/init.
func (o *Oracle) PublicKey() []byte {
	return o.pk.Bytes()
}

// DecryptField answers one aggregate: recovers the plaintext from an opaque
// 64-byte ciphertext handle and produces the share-plus-proof the chain
// verifies. limit bounds the plaintext search; 0 means DefaultScanLimit.
func (o *Oracle) DecryptField(handle []byte, limit uint64) (codec.DecryptedField, error) {
	if limit == 0 {
		limit = DefaultScanLimit
	}
	ct, err := railcrypto.DecodeCiphertext(handle)
	if err != nil {
		return codec.DecryptedField{}, fmt.Errorf("oracle: %w", err)
	}

	share := railcrypto.MulPoint(ct.C1, o.sk)

	w, err := railcrypto.RandomScalar(o.rand)
	if err != nil {
		return codec.DecryptedField{}, fmt.Errorf("oracle: proof randomness: %w", err)
	}
	proof, err := railcrypto.ChaumPedersenProve(o.pk, ct.C1, share, o.sk, w)
	if err != nil {
		return codec.DecryptedField{}, fmt.Errorf("oracle: prove: %w", err)
	}

	plain := railcrypto.PointSub(ct.C2, share)
	value, err := solveSmallDlog(plain, limit)
	if err != nil {
		return codec.DecryptedField{}, err
	}

	return codec.DecryptedField{
		Cleartext: value,
		Share:     share.Bytes(),
		Proof:     railcrypto.EncodeChaumPedersenProof(proof),
	}, nil
}

// Finalize builds the complete oracle callback for one request.
func (o *Oracle) Finalize(oracleID string, requestID uint64, demand, supply, profit []byte, limit uint64) (codec.MarketFinalizeDecryptionTx, error) {
	d, err := o.DecryptField(demand, limit)
	if err != nil {
		return codec.MarketFinalizeDecryptionTx{}, fmt.Errorf("demand: %w", err)
	}
	s, err := o.DecryptField(supply, limit)
	if err != nil {
		return codec.MarketFinalizeDecryptionTx{}, fmt.Errorf("supply: %w", err)
	}
	p, err := o.DecryptField(profit, limit)
	if err != nil {
		return codec.MarketFinalizeDecryptionTx{}, fmt.Errorf("profit: %w", err)
	}
	return codec.MarketFinalizeDecryptionTx{
		OracleID:  oracleID,
		RequestID: requestID,
		Demand:    d,
		Supply:    s,
		Profit:    p,
	}, nil
}

// solveSmallDlog walks m*G for m = 0..limit until it matches target. Linear,
// but aggregates are small and the oracle runs off-chain.
func solveSmallDlog(target railcrypto.Point, limit uint64) (uint64, error) {
	one := railcrypto.MulBase(railcrypto.ScalarFromUint64(1))
	acc := railcrypto.PointIdentity()
	for m := uint64(0); m <= limit; m++ {
		if railcrypto.PointEq(acc, target) {
			return m, nil
		}
		acc = railcrypto.PointAdd(acc, one)
	}
	return 0, fmt.Errorf("oracle: plaintext exceeds scan limit %d", limit)
}
