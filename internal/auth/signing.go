package auth

import (
	"fmt"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/golang-jwt/jwt/v5"
)

// atprotoSigningMethod verifies JWS signatures with atproto signing keys.
// Signatures are the 64-byte compact (r, s) form for both curves.
type atprotoSigningMethod struct {
	alg string
}

var (
	signingMethodES256  = &atprotoSigningMethod{alg: "ES256"}
	signingMethodES256K = &atprotoSigningMethod{alg: "ES256K"}

	signingMethods = []string{signingMethodES256.Alg(), signingMethodES256K.Alg()}
)

// ES256 is registered over the library's ecdsa implementation so that
// both algorithms take atcrypto keys.
func init() {
	jwt.RegisterSigningMethod(signingMethodES256.Alg(), func() jwt.SigningMethod { return signingMethodES256 })
	jwt.RegisterSigningMethod(signingMethodES256K.Alg(), func() jwt.SigningMethod { return signingMethodES256K })
}

func (m *atprotoSigningMethod) Alg() string {
	return m.alg
}

// Verify implements jwt.SigningMethod. key must be an atcrypto.PublicKey on
// the curve named by the algorithm.
func (m *atprotoSigningMethod) Verify(signingString string, sig []byte, key any) error {
	pub, ok := key.(atcrypto.PublicKey)
	if !ok || !m.matches(pub) {
		return fmt.Errorf("%w: %T for %s", jwt.ErrInvalidKeyType, key, m.alg)
	}
	if err := pub.HashAndVerifyLenient([]byte(signingString), sig); err != nil {
		return fmt.Errorf("%w: %v", jwt.ErrTokenSignatureInvalid, err)
	}
	return nil
}

// Sign implements jwt.SigningMethod. key must be an atcrypto.PrivateKey.
func (m *atprotoSigningMethod) Sign(signingString string, key any) ([]byte, error) {
	priv, ok := key.(atcrypto.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", jwt.ErrInvalidKeyType, key)
	}
	return priv.HashAndSign([]byte(signingString))
}

func (m *atprotoSigningMethod) matches(pub atcrypto.PublicKey) bool {
	switch pub.(type) {
	case *atcrypto.PublicKeyP256:
		return m.alg == "ES256"
	case *atcrypto.PublicKeyK256:
		return m.alg == "ES256K"
	default:
		return false
	}
}
