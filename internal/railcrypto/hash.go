package railcrypto

import (
	"crypto/sha512"
	"fmt"
	"hash"
)

var (
	hashToScalarPrefix = []byte("RAILv1|hash_to_scalar|")
)

func updateLenBytes(h hash.Hash, b []byte) {
	h.Write(u32le(uint32(len(b))))
	h.Write(b)
}

// HashToScalar maps a domain-separated message list to a uniform scalar.
func HashToScalar(domainSep string, msgs ...[]byte) (Scalar, error) {
	h := sha512.New()
	h.Write(hashToScalarPrefix)
	updateLenBytes(h, []byte(domainSep))
	for _, m := range msgs {
		if m == nil {
			return Scalar{}, fmt.Errorf("hashToScalar: nil msg")
		}
		updateLenBytes(h, m)
	}
	digest := h.Sum(nil) // 64 bytes
	return ScalarFromUniformBytes(digest)
}
