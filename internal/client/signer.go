package client

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const signatureIssuer = "hr-approvals"

// StepClaims binds a step signature to the actor, the workflow instance and
// the action taken.
type StepClaims struct {
	InstanceID string `json:"workflow_instance_id"`
	Action     string `json:"action"`
	jwt.RegisteredClaims
}

// JWTSigner issues HS256 step signatures.
type JWTSigner struct {
	secret []byte
	now    func() time.Time
}

// NewJWTSigner creates a signer keyed by secret.
func NewJWTSigner(secret string) *JWTSigner {
	return &JWTSigner{secret: []byte(secret), now: time.Now}
}

// Sign implements service.Signer.
func (s *JWTSigner) Sign(actorID, instanceID, action string) (string, error) {
	now := s.now()
	claims := &StepClaims{
		InstanceID: instanceID,
		Action:     action,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   signatureIssuer,
			Subject:  actorID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign step: %w", err)
	}
	return token, nil
}

// Parse validates token and returns its claims.
func (s *JWTSigner) Parse(token string) (*StepClaims, error) {
	claims := &StepClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(signatureIssuer),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid step signature: %w", err)
	}
	return claims, nil
}

// Verify reports whether token was issued by this signer for exactly this
// actor, instance and action.
func (s *JWTSigner) Verify(token, actorID, instanceID, action string) bool {
	claims, err := s.Parse(token)
	if err != nil {
		return false
	}
	return claims.Subject == actorID && claims.InstanceID == instanceID && claims.Action == action
}
