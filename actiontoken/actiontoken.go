// Package actiontoken issues signed, expiring tokens for chat action
// buttons such as "cancel deployment".
package actiontoken

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/google/uuid"
)

// ActionCancel is the only action currently issued
const ActionCancel = "cancel"

// ErrInvalidToken is returned for tokens that are malformed, forged or expired
var ErrInvalidToken = errors.New("invalid or expired action token")

// Claims is the payload carried by a token
type Claims struct {
	Action       string    `json:"action"`
	Target       string    `json:"target"`
	DeploymentID uuid.UUID `json:"deployment_id"`
}

// Issuer signs and verifies action tokens
type Issuer struct {
	key *fernet.Key
	ttl time.Duration
}

// NewIssuer creates an issuer from a base64 fernet key. An empty key
// generates a process-local one, so tokens do not survive a restart.
func NewIssuer(keyString string, ttl time.Duration) (*Issuer, error) {
	var key *fernet.Key
	if keyString == "" {
		key = new(fernet.Key)
		if err := key.Generate(); err != nil {
			return nil, fmt.Errorf("failed to generate action key: %w", err)
		}
	} else {
		decoded, err := fernet.DecodeKey(keyString)
		if err != nil {
			return nil, fmt.Errorf("invalid action key: %w", err)
		}
		key = decoded
	}

	if ttl <= 0 {
		return nil, fmt.Errorf("action token ttl must be positive")
	}

	return &Issuer{key: key, ttl: ttl}, nil
}

// Issue returns a token authorizing action on one deployment
func (i *Issuer) Issue(action, target string, deploymentID uuid.UUID) (string, error) {
	payload, err := json.Marshal(Claims{Action: action, Target: target, DeploymentID: deploymentID})
	if err != nil {
		return "", fmt.Errorf("failed to encode claims: %w", err)
	}

	token, err := fernet.EncryptAndSign(payload, i.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign action token: %w", err)
	}
	return string(token), nil
}

// Verify checks the signature and age of token and returns its claims
func (i *Issuer) Verify(token string) (Claims, error) {
	if token == "" {
		return Claims{}, ErrInvalidToken
	}

	payload := fernet.VerifyAndDecrypt([]byte(token), i.ttl, []*fernet.Key{i.key})
	if payload == nil {
		return Claims{}, ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
