package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

const (
	// codeVerifierLength is the length of the PKCE code verifier (RFC 7636 allows 43-128).
	codeVerifierLength = 64

	// codeVerifierCharset holds the unreserved characters of RFC 7636 Section 4.1.
	codeVerifierCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"
)

// GenerateCodeVerifier generates a cryptographically random code verifier.
func GenerateCodeVerifier() (string, error) {
	b := make([]byte, codeVerifierLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	charset := []byte(codeVerifierCharset)
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b), nil
}

// ComputeCodeChallenge computes the S256 challenge BASE64URL(SHA256(verifier)).
func ComputeCodeChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// pkcePair is the verifier kept by an attempt and the challenge sent in its URL.
type pkcePair struct {
	verifier  string
	challenge string
}

func newPKCEPair() (pkcePair, error) {
	v, err := GenerateCodeVerifier()
	if err != nil {
		return pkcePair{}, err
	}
	return pkcePair{verifier: v, challenge: ComputeCodeChallenge(v)}, nil
}
