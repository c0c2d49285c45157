package model

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
)

// DefaultHashAlgorithm is used for content hashing and delivery signatures
// when a topic or subscription does not pick one.
const DefaultHashAlgorithm = "sha512"

// hashConstructors maps supported algorithm names to constructors. The names
// match the X-Hub-Signature algorithm prefixes.
var hashConstructors = map[string]func() hash.Hash{
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

// IsSupportedHashAlgorithm reports whether the named algorithm can be used
// for content hashes and signatures.
func IsSupportedHashAlgorithm(name string) bool {
	_, ok := hashConstructors[name]
	return ok
}

// NewHash returns a new hash.Hash for the named algorithm.
func NewHash(name string) (hash.Hash, error) {
	ctor, err := NewHashFunc(name)
	if err != nil {
		return nil, err
	}
	return ctor(), nil
}

// NewHashFunc returns the constructor for the named algorithm, for use with
// crypto/hmac.
func NewHashFunc(name string) (func() hash.Hash, error) {
	ctor, ok := hashConstructors[name]
	if !ok {
		return nil, fmt.Errorf("unsupported hash algorithm %q", name)
	}
	return ctor, nil
}

// ContentHash computes the lowercase hex digest of body with the named
// algorithm. Deterministic for a given (body, algo) pair.
func ContentHash(body []byte, algo string) (string, error) {
	h, err := NewHash(algo)
	if err != nil {
		return "", err
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}
