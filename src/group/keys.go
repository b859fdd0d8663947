package group

import (
	"crypto/rand"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/sign/schnorr"
)

// signSuite is the signature suite backing BasicGroup credentials.
var signSuite = edwards25519.NewBlakeSHA256Ed25519()

// GenerateKey creates a fresh signing key pair, returning the private scalar
// and the serialized public point.
func GenerateKey() (kyber.Scalar, []byte, error) {
	priv := signSuite.Scalar().Pick(signSuite.RandomStream())
	pub := signSuite.Point().Mul(priv, nil)

	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	return priv, pubBytes, nil
}

func signBytes(priv kyber.Scalar, msg []byte) ([]byte, error) {
	return schnorr.Sign(signSuite, priv, msg)
}

func verifyBytes(pub kyber.Point, msg, sig []byte) bool {
	return schnorr.Verify(signSuite, pub, msg, sig) == nil
}

func unmarshalPubKey(b []byte) (kyber.Point, error) {
	p := signSuite.Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("group: bad public key: %w", err)
	}
	return p, nil
}

// randomBytes fills a fresh slice of the given size from crypto/rand.
func randomBytes(size int) []byte {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}
