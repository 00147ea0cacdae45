package link

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
)

// Default iteration count and salt length for IteratedSaltedHash, matching
// eastwood's link authentication scheme (distinct from the zstd/AES KDF in
// pkg/workerpool, which uses SHA-256 x 0xFFFF).
const (
	DefaultHashIterations = 0x0002FFFF
	DefaultSaltLength     = 0xFF
)

// IteratedSaltedHash applies SHA-512 iterations times over password∥salt.
// If salt is nil, a fresh random salt of DefaultSaltLength bytes is
// generated. It returns the final hash and the salt used to produce it.
func IteratedSaltedHash(password, salt []byte, iterations int) (hash, usedSalt []byte, err error) {
	if salt == nil {
		salt = make([]byte, DefaultSaltLength)
		if _, err := rand.Read(salt); err != nil {
			return nil, nil, err
		}
	}
	if iterations < 1 {
		iterations = DefaultHashIterations
	}
	sum := sha512.Sum512(append(append([]byte{}, password...), salt...))
	for i := 0; i < iterations-1; i++ {
		sum = sha512.Sum512(sum[:])
	}
	return sum[:], salt, nil
}

// VerifyAuth recomputes IteratedSaltedHash over the configured password
// using the peer-supplied salt and compares it in constant time against the
// peer-supplied hash.
func VerifyAuth(password string, pkt AuthPacket, iterations int) bool {
	expected, _, err := IteratedSaltedHash([]byte(password), pkt.Salt, iterations)
	if err != nil {
		return false
	}
	return len(pkt.Hash) > 0 && subtle.ConstantTimeCompare(expected, pkt.Hash) == 1
}
