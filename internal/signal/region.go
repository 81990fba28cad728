package signal

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

// RegionResolver resolves alternate WebSocket URLs for LiveKit-Cloud hosts
// via the HTTPS /settings/regions endpoint, and hands them out in the
// declared order on repeated connection failure, wrapping back to the
// first region URL (not the primary URL) once the list is exhausted (see
// SPEC_FULL.md's "Region failover iteration order" supplement).
type RegionResolver struct {
	primary string
	urls    []string
	cursor  int

	http *resty.Client
}

// NewRegionResolver builds a resolver around the room's primary connection
// URL. Region resolution only applies to *.livekit.cloud hosts; for any
// other host Next always returns the primary URL.
func NewRegionResolver(primaryURL string) *RegionResolver {
	return &RegionResolver{
		primary: primaryURL,
		http:    resty.New(),
	}
}

func isCloudHost(url string) bool {
	return strings.Contains(url, ".livekit.cloud")
}

// Refresh re-fetches the region list. No-op (and not an error) for
// non-cloud hosts.
func (r *RegionResolver) Refresh(ctx context.Context, token string) error {
	if !isCloudHost(r.primary) {
		return nil
	}

	httpsURL := strings.Replace(r.primary, "wss://", "https://", 1)
	httpsURL = strings.Replace(httpsURL, "ws://", "http://", 1)

	resp, err := r.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		Get(httpsURL + "/settings/regions")
	if err != nil {
		return fmt.Errorf("signal: fetching regions: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("signal: regions endpoint returned %d", resp.StatusCode())
	}

	var urls []string
	gjson.GetBytes(resp.Body(), "regions.#.url").ForEach(func(_, value gjson.Result) bool {
		urls = append(urls, value.String())
		return true
	})
	r.urls = urls
	r.cursor = 0
	return nil
}

// Current returns the URL that should be used for the next connection
// attempt without advancing the cursor.
func (r *RegionResolver) Current() string {
	if len(r.urls) == 0 {
		return r.primary
	}
	return r.urls[r.cursor%len(r.urls)]
}

// Next advances to the next region URL, called once per failed reconnect
// attempt by the Engine.
func (r *RegionResolver) Next() string {
	if len(r.urls) == 0 {
		return r.primary
	}
	r.cursor = (r.cursor + 1) % len(r.urls)
	return r.urls[r.cursor]
}
