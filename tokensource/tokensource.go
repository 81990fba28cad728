// Package tokensource implements the token-source client (spec component
// I): the application-facing helper that resolves a server URL and a
// participant JWT before calling room.Room.Connect, the way the teacher's
// api/integration-api/config package resolves connection settings before
// a service starts serving.
//
// Three flavors mirror the ones spec.md §6 names: a Literal source that
// hands back a fixed URL/token pair, a Minter that signs a fresh JWT from
// API key/secret credentials (env-sourced or literal), and an Endpoint
// source that fetches both from an application-run HTTP auth endpoint.
package tokensource

import "context"

// FetchOptions customizes the token minted or requested from an endpoint.
// Zero-valued fields are omitted from the request/claims.
type FetchOptions struct {
	RoomName             string
	ParticipantName      string
	ParticipantIdentity  string
	ParticipantMetadata  string
	ParticipantAttributes map[string]string

	AgentName     string
	AgentMetadata string
}

// WithRoomName returns a copy of o with RoomName set, for call-site chaining.
func (o FetchOptions) WithRoomName(name string) FetchOptions { o.RoomName = name; return o }

// WithParticipantIdentity returns a copy of o with ParticipantIdentity set.
func (o FetchOptions) WithParticipantIdentity(identity string) FetchOptions {
	o.ParticipantIdentity = identity
	return o
}

// WithParticipantName returns a copy of o with ParticipantName set.
func (o FetchOptions) WithParticipantName(name string) FetchOptions {
	o.ParticipantName = name
	return o
}

// WithParticipantAttribute sets a single participant attribute, allocating
// the map on first use.
func (o FetchOptions) WithParticipantAttribute(key, value string) FetchOptions {
	attrs := make(map[string]string, len(o.ParticipantAttributes)+1)
	for k, v := range o.ParticipantAttributes {
		attrs[k] = v
	}
	attrs[key] = value
	o.ParticipantAttributes = attrs
	return o
}

// WithAgentName returns a copy of o with AgentName set.
func (o FetchOptions) WithAgentName(name string) FetchOptions { o.AgentName = name; return o }

// Response is what every Source resolves to: a connection URL and the
// participant token the Engine presents on the signal WebSocket.
type Response struct {
	ServerURL        string
	ParticipantToken string
}

// Source fetches a Response given FetchOptions. Literal sources ignore the
// options entirely; Minter and Endpoint sources fold them into the JWT
// claims or the outgoing HTTP request respectively.
type Source interface {
	Fetch(ctx context.Context, options FetchOptions) (Response, error)
}
