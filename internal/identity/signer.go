package identity

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// DefaultTokenValidity matches the lifetime wallets have historically used
// for signed credentials.
const DefaultTokenValidity = 1000 * time.Second

// Signer produces a signed, expiring credential over a message on behalf of
// an identity.
type Signer interface {
	SignPayload(id Identity, message string, validity time.Duration) (string, error)
}

// CredentialClaims is the payload of a credential token.
type CredentialClaims struct {
	Message string `json:"msg"`
	jwt.RegisteredClaims
}

// SigningMethodES256KR signs with recoverable secp256k1 signatures
// (r || s || v, v in {0,1}) over the SHA-256 of the signing input.
type SigningMethodES256KR struct{}

var SigningMethodES256KRecoverable = &SigningMethodES256KR{}

func init() {
	jwt.RegisterSigningMethod(SigningMethodES256KRecoverable.Alg(), func() jwt.SigningMethod {
		return SigningMethodES256KRecoverable
	})
}

func (m *SigningMethodES256KR) Alg() string { return "ES256K-R" }

func (m *SigningMethodES256KR) Sign(signingString string, key any) ([]byte, error) {
	priv, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}
	digest := sha256.Sum256([]byte(signingString))
	sig, err := crypto.Sign(digest[:], priv)
	if err != nil {
		return nil, errors.Wrap(err, "sign")
	}
	return sig, nil
}

// Verify accepts either the expected *ecdsa.PublicKey or the expected
// account address as a string.
func (m *SigningMethodES256KR) Verify(signingString string, sig []byte, key any) error {
	if len(sig) != crypto.SignatureLength {
		return jwt.ErrSignatureInvalid
	}
	digest := sha256.Sum256([]byte(signingString))
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return jwt.ErrSignatureInvalid
	}

	var want string
	switch k := key.(type) {
	case *ecdsa.PublicKey:
		want = AddressOf(k)
	case string:
		want = strings.ToLower(k)
	default:
		return jwt.ErrInvalidKeyType
	}
	if AddressOf(pub) != want {
		return jwt.ErrSignatureInvalid
	}
	return nil
}

// JWTSigner issues ES256K-R credential tokens whose issuer is the identity's DID.
type JWTSigner struct {
	now func() time.Time
}

var _ Signer = (*JWTSigner)(nil)

func NewJWTSigner() *JWTSigner {
	return &JWTSigner{now: time.Now}
}

func (s *JWTSigner) SignPayload(id Identity, message string, validity time.Duration) (string, error) {
	if id.PrivateKey == nil {
		return "", errors.New("identity has no private key")
	}
	if validity <= 0 {
		validity = DefaultTokenValidity
	}
	issued := s.now()
	claims := CredentialClaims{
		Message: message,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    id.DID,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(validity)),
		},
	}
	token, err := jwt.NewWithClaims(SigningMethodES256KRecoverable, claims).SignedString(id.PrivateKey)
	if err != nil {
		return "", errors.Wrapf(err, "sign credential for %s", id.DID)
	}
	return token, nil
}

// ParseCredential verifies a token against the address that must have signed it.
func ParseCredential(token, address string) (*CredentialClaims, error) {
	claims := &CredentialClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return address, nil
	}, jwt.WithValidMethods([]string{SigningMethodES256KRecoverable.Alg()}))
	if err != nil {
		return nil, errors.Wrap(err, "parse credential")
	}
	return claims, nil
}
