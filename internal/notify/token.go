package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// DefaultActionTTL bounds how long a notification action stays usable.
const DefaultActionTTL = 10 * time.Minute

var (
	ErrInvalidToken  = errors.New("notify: invalid action token")
	ErrWrongSession  = errors.New("notify: action token is for another session")
	ErrUnknownAction = errors.New("notify: unknown action")
)

// ActionClaims are the claims of a signed notification action.
type ActionClaims struct {
	SessionID string     `json:"sid"`
	Action    ActionName `json:"act"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 action tokens.
type Signer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewSigner creates a signer. A non-positive ttl selects DefaultActionTTL.
func NewSigner(key []byte, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = DefaultActionTTL
	}
	return &Signer{key: key, ttl: ttl, now: time.Now}
}

// Sign returns a token authorizing action on sessionID.
func (s *Signer) Sign(sessionID string, action ActionName) (string, error) {
	if len(s.key) == 0 {
		return "", errors.New("notify: signer has no key")
	}
	now := s.now()
	claims := ActionClaims{
		SessionID: sessionID,
		Action:    action,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			Issuer:    "flowphone",
			Subject:   sessionID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Verify checks token and returns the action it authorizes. Tokens signed
// for a session other than sessionID are rejected.
func (s *Signer) Verify(token, sessionID string) (ActionName, error) {
	claims := &ActionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.key, nil
	})
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !claims.VerifyExpiresAt(s.now(), true) {
		return "", fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	if claims.SessionID != sessionID {
		return "", ErrWrongSession
	}
	if !claims.Action.Valid() {
		return "", ErrUnknownAction
	}
	return claims.Action, nil
}
