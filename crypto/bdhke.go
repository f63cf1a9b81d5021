// Package crypto implements the blind Diffie-Hellman key exchange (BDHKE)
// used by Cashu over secp256k1.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var ErrInvalidPoint = errors.New("invalid curve point")

// HashToCurve maps a message to a point on the curve. The message is hashed
// and the digest, prefixed with 0x02, is parsed as a compressed point. If that
// is not a valid point, the digest is hashed again until one is found.
func HashToCurve(message []byte) *secp256k1.PublicKey {
	var point *secp256k1.PublicKey

	for point == nil || !point.IsOnCurve() {
		hash := sha256.Sum256(message)
		pkhash := append([]byte{0x02}, hash[:]...)
		point, _ = secp256k1.ParsePubKey(pkhash)
		message = hash[:]
	}
	return point
}

// BlindMessage returns B_ = Y + rG where Y = HashToCurve(secret).
// If r is nil a random blinding factor is generated.
func BlindMessage(secret string, r *secp256k1.PrivateKey) (*secp256k1.PublicKey, *secp256k1.PrivateKey, error) {
	if r == nil {
		var err error
		r, err = secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, fmt.Errorf("could not generate blinding factor: %v", err)
		}
	}

	var ypoint, rpoint, blindedMessage secp256k1.JacobianPoint
	Y := HashToCurve([]byte(secret))
	Y.AsJacobian(&ypoint)
	r.PubKey().AsJacobian(&rpoint)

	// blindedMessage = Y + rG
	secp256k1.AddNonConst(&ypoint, &rpoint, &blindedMessage)
	if (blindedMessage.X.IsZero() && blindedMessage.Y.IsZero()) || blindedMessage.Z.IsZero() {
		return nil, nil, ErrInvalidPoint
	}
	blindedMessage.ToAffine()
	B_ := secp256k1.NewPublicKey(&blindedMessage.X, &blindedMessage.Y)

	return B_, r, nil
}

// C_ = kB_
func SignBlindedMessage(B_ *secp256k1.PublicKey, k *secp256k1.PrivateKey) *secp256k1.PublicKey {
	var bpoint, result secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)

	// result = k * B_
	secp256k1.ScalarMultNonConst(&k.Key, &bpoint, &result)
	result.ToAffine()
	C_ := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C_
}

// C = C_ - rA
func UnblindSignature(C_ *secp256k1.PublicKey, r *secp256k1.PrivateKey,
	A *secp256k1.PublicKey) *secp256k1.PublicKey {

	var Apoint, rAPoint, CPoint secp256k1.JacobianPoint
	A.AsJacobian(&Apoint)

	var rNeg secp256k1.ModNScalar
	rNeg.NegateVal(&r.Key)

	secp256k1.ScalarMultNonConst(&rNeg, &Apoint, &rAPoint)

	var C_Point secp256k1.JacobianPoint
	C_.AsJacobian(&C_Point)
	secp256k1.AddNonConst(&C_Point, &rAPoint, &CPoint)
	CPoint.ToAffine()

	C := secp256k1.NewPublicKey(&CPoint.X, &CPoint.Y)
	return C
}

// k * HashToCurve(secret) == C
func Verify(secret string, k *secp256k1.PrivateKey, C *secp256k1.PublicKey) bool {
	var Ypoint, result secp256k1.JacobianPoint
	Y := HashToCurve([]byte(secret))
	Y.AsJacobian(&Ypoint)

	secp256k1.ScalarMultNonConst(&k.Key, &Ypoint, &result)
	result.ToAffine()
	pk := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C.IsEqual(pk)
}

// ParsePoint decodes a hex encoded compressed point.
func ParsePoint(hexPoint string) (*secp256k1.PublicKey, error) {
	pointBytes, err := hex.DecodeString(hexPoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	point, err := secp256k1.ParsePubKey(pointBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	return point, nil
}

// Y returns the hex encoded HashToCurve of the secret. Mints use it
// to identify proofs in NUT-07 state checks.
func Y(secret string) string {
	return hex.EncodeToString(HashToCurve([]byte(secret)).SerializeCompressed())
}
