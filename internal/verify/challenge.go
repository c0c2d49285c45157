package verify

import (
	"crypto/rand"
	"encoding/base64"
)

// newChallenge returns a fresh single-use challenge: 30 random bytes,
// base64-encoded.
func newChallenge() string {
	buf := make([]byte, 30)
	if _, err := rand.Read(buf); err != nil {
		panic("verify: rand.Read: " + err.Error())
	}
	return base64.StdEncoding.EncodeToString(buf)
}
