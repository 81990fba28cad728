package tokensource

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
)

// MinterCredentials is the (server URL, API key, API secret) triple needed
// to sign participant JWTs locally, named after spec.md §6's three
// environment variables.
type MinterCredentials struct {
	ServerURL string `mapstructure:"livekit_url" validate:"required"`
	APIKey    string `mapstructure:"livekit_api_key" validate:"required"`
	APISecret string `mapstructure:"livekit_api_secret" validate:"required"`
}

// MinterCredentialsFromEnv reads LIVEKIT_URL, LIVEKIT_API_KEY and
// LIVEKIT_API_SECRET the way the teacher's api/integration-api/config.go
// reads its connection settings: viper bound to the process environment,
// validated with go-playground/validator before use.
func MinterCredentialsFromEnv() (MinterCredentials, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.BindEnv("livekit_url", "LIVEKIT_URL")
	v.BindEnv("livekit_api_key", "LIVEKIT_API_KEY")
	v.BindEnv("livekit_api_secret", "LIVEKIT_API_SECRET")

	creds := MinterCredentials{
		ServerURL: v.GetString("livekit_url"),
		APIKey:    v.GetString("livekit_api_key"),
		APISecret: v.GetString("livekit_api_secret"),
	}

	if err := validator.New().Struct(&creds); err != nil {
		return MinterCredentials{}, fmt.Errorf("tokensource: missing credentials: %w", err)
	}
	return creds, nil
}

// videoGrant mirrors the subset of LiveKit's access-token video grant
// claims this client needs to request: room join permission scoped to one
// room name, plus publish/subscribe of data tracks.
type videoGrant struct {
	RoomJoin bool   `json:"roomJoin,omitempty"`
	Room     string `json:"room,omitempty"`
	CanSubscribe bool `json:"canSubscribe,omitempty"`
	CanPublish   bool `json:"canPublish,omitempty"`
	CanPublishData bool `json:"canPublishData,omitempty"`
}

type accessTokenClaims struct {
	jwt.RegisteredClaims
	Video    videoGrant        `json:"video,omitempty"`
	Name     string            `json:"name,omitempty"`
	Metadata string            `json:"metadata,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// DefaultTokenTTL is how long a minted participant token is valid for.
const DefaultTokenTTL = 6 * time.Hour

// Minter is a Source that signs a fresh HS256 JWT for every Fetch call
// from a MinterCredentials triple, following the Issue/Parse shape the
// teacher's internal/auth/jwt.go uses for its own service tokens.
type Minter struct {
	creds MinterCredentials
	ttl   time.Duration
}

// NewMinter builds a Minter around an explicit credentials triple.
func NewMinter(creds MinterCredentials) Minter {
	return Minter{creds: creds, ttl: DefaultTokenTTL}
}

// NewMinterFromEnv builds a Minter sourcing its credentials from the
// environment via MinterCredentialsFromEnv.
func NewMinterFromEnv() (Minter, error) {
	creds, err := MinterCredentialsFromEnv()
	if err != nil {
		return Minter{}, err
	}
	return NewMinter(creds), nil
}

// WithTTL returns a copy of m that mints tokens with the given lifetime.
func (m Minter) WithTTL(ttl time.Duration) Minter {
	m.ttl = ttl
	return m
}

func (m Minter) Fetch(_ context.Context, options FetchOptions) (Response, error) {
	if m.ttl <= 0 {
		m.ttl = DefaultTokenTTL
	}
	now := time.Now()
	claims := accessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.creds.APIKey,
			Subject:   options.ParticipantIdentity,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		Video: videoGrant{
			RoomJoin:       true,
			Room:           options.RoomName,
			CanSubscribe:   true,
			CanPublish:     true,
			CanPublishData: true,
		},
		Name:       options.ParticipantName,
		Metadata:   options.ParticipantMetadata,
		Attributes: options.ParticipantAttributes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.creds.APISecret))
	if err != nil {
		return Response{}, fmt.Errorf("tokensource: signing participant token: %w", err)
	}

	return Response{ServerURL: m.creds.ServerURL, ParticipantToken: signed}, nil
}
