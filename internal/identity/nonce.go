package identity

import (
	"crypto/rand"
	"encoding/base64"
)

const stateNonceByteLength = 32

// newStateNonce binds the consent redirect to the flow that opened it.
func newStateNonce() (string, error) {
	buffer := make([]byte, stateNonceByteLength)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
