package railcrypto

import "fmt"

const CiphertextBytes = 64

// Ciphertext is an additively homomorphic (exponential) ElGamal ciphertext:
//
//	PK = Y = x*G
//	Enc(Y, m; r) = (r*G, m*G + r*Y)
//
// The chain treats encoded ciphertexts as opaque handles: it can add them and
// compare encodings, but never recovers m. Only the oracle holding x can.
type Ciphertext struct {
	C1 Point
	C2 Point
}

func Encrypt(pk Point, value uint64, r Scalar) (Ciphertext, error) {
	if r.IsZero() {
		// Zero randomness is valid mathematically but leaks the plaintext.
		return Ciphertext{}, fmt.Errorf("elgamal: r must be non-zero")
	}
	c1 := MulBase(r)
	c2 := PointAdd(MulBase(ScalarFromUint64(value)), MulPoint(pk, r))
	return Ciphertext{C1: c1, C2: c2}, nil
}

// ZeroCiphertext is the deterministic encryption of zero with zero randomness,
// (identity, identity). It is the additive identity under CiphertextAdd and is
// the seed value for a freshly opened batch's running totals, which are public
// knowledge to be zero anyway. Its encoding is 64 zero bytes.
func ZeroCiphertext() Ciphertext {
	return Ciphertext{C1: PointIdentity(), C2: PointIdentity()}
}

// CiphertextAdd is the homomorphic sum: Enc(m1) + Enc(m2) = Enc(m1+m2).
func CiphertextAdd(a, b Ciphertext) Ciphertext {
	return Ciphertext{
		C1: PointAdd(a.C1, b.C1),
		C2: PointAdd(a.C2, b.C2),
	}
}

// Encoding: C1(32) || C2(32)
func EncodeCiphertext(ct Ciphertext) []byte {
	return concatBytes(ct.C1.Bytes(), ct.C2.Bytes())
}

func DecodeCiphertext(b []byte) (Ciphertext, error) {
	if len(b) != CiphertextBytes {
		return Ciphertext{}, fmt.Errorf("elgamal: expected %d bytes", CiphertextBytes)
	}
	c1, err := PointFromBytesCanonical(b[0:32])
	if err != nil {
		return Ciphertext{}, err
	}
	c2, err := PointFromBytesCanonical(b[32:64])
	if err != nil {
		return Ciphertext{}, err
	}
	return Ciphertext{C1: c1, C2: c2}, nil
}
