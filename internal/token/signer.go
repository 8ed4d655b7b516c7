package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"winedispense-backend/config"
	"winedispense-backend/internal/model"
)

var signingMethod = jwt.SigningMethodRS256

var (
	// ErrInvalidToken is returned for tokens that fail signature or claim checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTerminalMismatch is returned when a valid token belongs to another terminal.
	ErrTerminalMismatch = errors.New("token does not belong to terminal")
)

// Signer issues and verifies RS256 tokens for terminals and user sessions.
type Signer struct {
	private    *rsa.PrivateKey
	public     *rsa.PublicKey
	issuer     string
	sessionTTL time.Duration
	now        func() time.Time
}

// NewSigner builds a signer around an existing keypair.
func NewSigner(key *rsa.PrivateKey, issuer string, sessionTTL time.Duration) *Signer {
	return &Signer{
		private:    key,
		public:     &key.PublicKey,
		issuer:     issuer,
		sessionTTL: sessionTTL,
		now:        time.Now,
	}
}

// LoadSigner reads the PEM keypair from disk, generating it first when allowed.
func LoadSigner(cfg config.TokenConfig) (*Signer, error) {
	raw, err := os.ReadFile(cfg.PrivateKeyPath)
	if errors.Is(err, os.ErrNotExist) && cfg.GenerateIfMissing {
		key, genErr := generateKeyFiles(cfg.PrivateKeyPath, cfg.PublicKeyPath)
		if genErr != nil {
			return nil, genErr
		}
		return NewSigner(key, cfg.Issuer, cfg.SessionTTL()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return NewSigner(key, cfg.Issuer, cfg.SessionTTL()), nil
}

func generateKeyFiles(privatePath, publicPath string) (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	for path, data := range map[string][]byte{privatePath: privPEM, publicPath: pubPEM} {
		if path == "" {
			continue
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create key dir: %w", err)
			}
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
	}
	return key, nil
}

// RegistrationStamp is the canonical string form of a registration date inside a token.
func RegistrationStamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// IssueTerminal signs a token for a terminal. The same terminal always gets the same token.
func (s *Signer) IssueTerminal(t model.Terminal) (string, error) {
	claims := TerminalClaims{
		TerminalID:       t.ID,
		RegistrationDate: RegistrationStamp(t.RegistrationDate),
		Serial:           t.Serial,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:  s.issuer,
			Subject: strconv.FormatInt(t.ID, 10),
		},
	}
	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString(s.private)
	if err != nil {
		return "", fmt.Errorf("signing terminal token: %w", err)
	}
	return signed, nil
}

// VerifyTerminal checks the signature and that the token was issued to terminalID.
func (s *Signer) VerifyTerminal(tokenString string, terminalID int64) (*TerminalClaims, error) {
	claims := &TerminalClaims{}
	if err := s.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.TerminalID != terminalID {
		return nil, ErrTerminalMismatch
	}
	return claims, nil
}

// IssueSession signs a session token for a user.
func (s *Signer) IssueSession(u model.User) (string, time.Time, error) {
	now := s.now()
	expiry := now.Add(s.sessionTTL)
	claims := SessionClaims{
		UserID: u.ID,
		Role:   u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   strconv.FormatInt(u.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString(s.private)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing session token: %w", err)
	}
	return signed, expiry, nil
}

// VerifySession validates a session token including its expiry.
func (s *Signer) VerifySession(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	if err := s.parse(tokenString, claims, jwt.WithExpirationRequired()); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Signer) parse(tokenString string, claims jwt.Claims, extra ...jwt.ParserOption) error {
	opts := append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	}, extra...)
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.public, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}
