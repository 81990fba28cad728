package tokensource

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
)

// endpointRequestPayload/endpointResponsePayload mirror the request/response
// shape an application's own auth endpoint is expected to speak: FetchOptions
// in, a server URL + participant token out.
type endpointRequestPayload struct {
	RoomName              string            `json:"room_name,omitempty"`
	ParticipantName       string            `json:"participant_name,omitempty"`
	ParticipantIdentity   string            `json:"participant_identity,omitempty"`
	ParticipantMetadata   string            `json:"participant_metadata,omitempty"`
	ParticipantAttributes map[string]string `json:"participant_attributes,omitempty"`
	AgentName             string            `json:"agent_name,omitempty"`
	AgentMetadata         string            `json:"agent_metadata,omitempty"`
}

type endpointResponsePayload struct {
	ServerURL        string `json:"server_url"`
	ParticipantToken string `json:"participant_token"`
}

// Endpoint is a Source that POSTs FetchOptions to an application-run HTTP
// auth endpoint and expects back a server URL and participant token, the
// common pattern LiveKit sample backends use for browser clients that
// cannot hold an API secret.
type Endpoint struct {
	url  string
	http *resty.Client
}

// NewEndpoint builds an Endpoint source posting to the given URL.
func NewEndpoint(url string) Endpoint {
	return Endpoint{url: url, http: resty.New()}
}

func (e Endpoint) Fetch(ctx context.Context, options FetchOptions) (Response, error) {
	req := endpointRequestPayload{
		RoomName:              options.RoomName,
		ParticipantName:       options.ParticipantName,
		ParticipantIdentity:   options.ParticipantIdentity,
		ParticipantMetadata:   options.ParticipantMetadata,
		ParticipantAttributes: options.ParticipantAttributes,
		AgentName:             options.AgentName,
		AgentMetadata:         options.AgentMetadata,
	}

	var resp endpointResponsePayload
	httpResp, err := e.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post(e.url)
	if err != nil {
		return Response{}, fmt.Errorf("tokensource: calling auth endpoint: %w", err)
	}
	if httpResp.IsError() {
		return Response{}, fmt.Errorf("tokensource: auth endpoint returned %d", httpResp.StatusCode())
	}

	return Response{ServerURL: resp.ServerURL, ParticipantToken: resp.ParticipantToken}, nil
}

// CustomFunc adapts a plain function into a Source, for applications that
// want to wire their own fetch logic (e.g. a gRPC call, a cached token)
// without writing a named type.
type CustomFunc func(ctx context.Context, options FetchOptions) (Response, error)

func (f CustomFunc) Fetch(ctx context.Context, options FetchOptions) (Response, error) {
	return f(ctx, options)
}
