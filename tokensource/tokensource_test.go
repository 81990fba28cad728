package tokensource

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiteral_FetchReturnsFixedResponse(t *testing.T) {
	want := Response{ServerURL: "wss://example.livekit.cloud", ParticipantToken: "tok"}
	src := NewLiteral(want)

	got, err := src.Fetch(context.Background(), FetchOptions{RoomName: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMinter_FetchSignsClaimsFromOptions(t *testing.T) {
	creds := MinterCredentials{ServerURL: "wss://example.com", APIKey: "key", APISecret: "secret"}
	m := NewMinter(creds)

	opts := FetchOptions{}.
		WithRoomName("my-room").
		WithParticipantIdentity("p0").
		WithParticipantName("Participant Zero").
		WithParticipantAttribute("role", "host")

	resp, err := m.Fetch(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "wss://example.com", resp.ServerURL)
	require.NotEmpty(t, resp.ParticipantToken)

	var claims accessTokenClaims
	_, err = jwt.ParseWithClaims(resp.ParticipantToken, &claims, func(tok *jwt.Token) (interface{}, error) {
		return []byte("secret"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "p0", claims.Subject)
	assert.Equal(t, "key", claims.Issuer)
	assert.Equal(t, "my-room", claims.Video.Room)
	assert.True(t, claims.Video.RoomJoin)
	assert.Equal(t, "host", claims.Attributes["role"])
}

func TestMinter_FetchFailsWithWrongSecret(t *testing.T) {
	m := NewMinter(MinterCredentials{ServerURL: "wss://example.com", APIKey: "key", APISecret: "secret"})
	resp, err := m.Fetch(context.Background(), FetchOptions{RoomName: "r"})
	require.NoError(t, err)

	var claims accessTokenClaims
	_, err = jwt.ParseWithClaims(resp.ParticipantToken, &claims, func(tok *jwt.Token) (interface{}, error) {
		return []byte("wrong-secret"), nil
	})
	assert.Error(t, err)
}

func TestCustomFunc_AdaptsPlainFunction(t *testing.T) {
	var src Source = CustomFunc(func(ctx context.Context, options FetchOptions) (Response, error) {
		return Response{ServerURL: "wss://custom", ParticipantToken: options.RoomName}, nil
	})

	resp, err := src.Fetch(context.Background(), FetchOptions{RoomName: "custom-room"})
	require.NoError(t, err)
	assert.Equal(t, "custom-room", resp.ParticipantToken)
}
