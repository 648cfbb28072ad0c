package replication

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
)

// signNonce computes HMAC-SHA256(key, nonce), the proof of keyfile
// possession exchanged during Hello/HelloAck. crypto/hmac and
// crypto/sha256 are the one stdlib-only piece of this subsystem (see
// DESIGN.md): no HMAC implementation appears anywhere in the example
// pack, and this primitive is small and precisely defined enough that
// reaching for a third-party dependency would add no value.
func signNonce(key, nonce []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(nonce)
	return mac.Sum(nil)
}

func verifyNonce(key, nonce, mac []byte) bool {
	expected := signNonce(key, nonce)
	return subtle.ConstantTimeCompare(expected, mac) == 1
}

func randomNonce() ([]byte, error) {
	buf := make([]byte, 32)
	_, err := rand.Read(buf)
	return buf, err
}
