package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/gatekeep/admission/internal/model"
)

// Errors returned by Verify.
var (
	ErrExpired      = errors.New("token: expired")
	ErrBadSignature = errors.New("token: bad signature")
	ErrMalformed    = errors.New("token: malformed")
)

// AdmissionToken is the decoded payload of a verified token.
type AdmissionToken struct {
	TicketID   string
	EventID    string
	Direction  *model.PresenceState // nil means toggle
	IssuedAt   time.Time
	ExpiresAt  time.Time
	JTI        string
	DeviceHash string // empty when the token is not device bound
}

// claims is the wire form.  Only the ticket id is carried as an identifier;
// no guest data is ever embedded.
type claims struct {
	EventID    string `json:"evt"`
	Direction  string `json:"dir,omitempty"`
	DeviceHash string `json:"dev,omitempty"`
	jwt.RegisteredClaims
}

// Codec signs and verifies admission tokens with a process-wide secret.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// Option customises a Codec.
type Option func(*Codec)

// WithClock overrides the time source used for issue and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// NewCodec returns a Codec signing with secret.
func NewCodec(secret string, opts ...Option) *Codec {
	c := &Codec{secret: []byte(secret), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Mint issues a token valid for ttl.  direction may be nil (toggle) and
// deviceHash may be empty.
func (c *Codec) Mint(ticketID, eventID string, direction *model.PresenceState, ttl time.Duration, deviceHash string) (string, AdmissionToken, error) {
	if ticketID == "" || eventID == "" {
		return "", AdmissionToken{}, fmt.Errorf("token: ticket and event ids are required")
	}
	if ttl < time.Second {
		return "", AdmissionToken{}, fmt.Errorf("token: ttl %s too short", ttl)
	}
	if direction != nil && !direction.Valid() {
		return "", AdmissionToken{}, fmt.Errorf("token: invalid direction %q", *direction)
	}
	issued := c.now().UTC().Truncate(time.Second)
	tok := AdmissionToken{
		TicketID:   ticketID,
		EventID:    eventID,
		Direction:  direction,
		IssuedAt:   issued,
		ExpiresAt:  issued.Add(ttl),
		JTI:        uuid.NewString(),
		DeviceHash: deviceHash,
	}
	cl := claims{
		EventID:    eventID,
		DeviceHash: deviceHash,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ticketID,
			ID:        tok.JTI,
			IssuedAt:  jwt.NewNumericDate(tok.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(tok.ExpiresAt),
		},
	}
	if direction != nil {
		cl.Direction = string(*direction)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(c.secret)
	if err != nil {
		return "", AdmissionToken{}, fmt.Errorf("token: sign: %w", err)
	}
	return signed, tok, nil
}

// Verify checks the signature and expiry of raw.  The signature is always
// checked before any claim, so when ErrExpired is returned the partially
// filled AdmissionToken is still authentic and may be used for audit.
func (c *Codec) Verify(raw string) (AdmissionToken, error) {
	var cl claims
	_, err := jwt.ParseWithClaims(raw, &cl, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		tok, convErr := fromClaims(&cl)
		if convErr != nil {
			return AdmissionToken{}, ErrMalformed
		}
		return tok, ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return AdmissionToken{}, ErrBadSignature
	default:
		return AdmissionToken{}, ErrMalformed
	}
	tok, err := fromClaims(&cl)
	if err != nil {
		return AdmissionToken{}, ErrMalformed
	}
	return tok, nil
}

func fromClaims(cl *claims) (AdmissionToken, error) {
	if cl.Subject == "" || cl.EventID == "" || cl.ID == "" || cl.ExpiresAt == nil {
		return AdmissionToken{}, ErrMalformed
	}
	tok := AdmissionToken{
		TicketID:   cl.Subject,
		EventID:    cl.EventID,
		JTI:        cl.ID,
		ExpiresAt:  cl.ExpiresAt.Time.UTC(),
		DeviceHash: cl.DeviceHash,
	}
	if cl.IssuedAt != nil {
		tok.IssuedAt = cl.IssuedAt.Time.UTC()
	}
	if cl.Direction != "" {
		d := model.PresenceState(cl.Direction)
		if !d.Valid() {
			return AdmissionToken{}, ErrMalformed
		}
		tok.Direction = &d
	}
	return tok, nil
}
