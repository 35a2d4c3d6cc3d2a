package collab

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrBadTicket is returned for tickets that do not verify or name a
// different room.
var ErrBadTicket = errors.New("invalid room ticket")

// TicketClaims bind a ticket to one room for one participant.
type TicketClaims struct {
	Room string `json:"room"`
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// TicketService issues and verifies the short-lived signed tickets the
// relay requires on connect. The collab API is the only issuer.
type TicketService struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	ttl        time.Duration
}

func NewTicketService(privateKey *rsa.PrivateKey, ttl time.Duration) *TicketService {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &TicketService{
		privateKey: privateKey,
		publicKey:  &privateKey.PublicKey,
		ttl:        ttl,
	}
}

// EnsureKey loads the signing key from path, generating and persisting one
// when absent.
func EnsureKey(path string) (*rsa.PrivateKey, error) {
	if key, err := LoadPrivateKey(path); err == nil {
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	key, err := GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	if err := SavePrivateKey(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing private key")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func SavePrivateKey(path string, key *rsa.PrivateKey) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	return pem.Encode(file, block)
}

func GeneratePrivateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// IssueTicket signs a ticket admitting authorID (displaying as name) to the
// given room.
func (s *TicketService) IssueTicket(room, authorID, name string) (string, error) {
	now := time.Now()
	claims := TicketClaims{
		Room: room,
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   authorID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(s.privateKey)
}

// VerifyTicket checks signature, expiry and room binding. It satisfies the
// relay's verifier interface.
func (s *TicketService) VerifyTicket(ticket, room string) error {
	token, err := jwt.ParseWithClaims(ticket, &TicketClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.publicKey, nil
	})
	if err != nil {
		return ErrBadTicket
	}
	claims, ok := token.Claims.(*TicketClaims)
	if !ok || !token.Valid {
		return ErrBadTicket
	}
	if claims.Room != room {
		return ErrBadTicket
	}
	return nil
}
