package signaling

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/metrics"
)

// maxResponseBytes bounds side-channel response bodies.
const maxResponseBytes = 64 << 10

// authCheck establishes the relay session cookie in the client's jar. The
// response body is ignored.
func (c *Client) authCheck(ctx context.Context) error {
	url := c.baseURL + authCheckPath
	if _, err := c.get(ctx, url); err != nil {
		return c.httpError(url, err)
	}
	c.logger.Debug("signaling auth check ok", "url", url)
	return nil
}

// FetchICEServers requests the relay's rtcConfig using the session cookie.
func (c *Client) FetchICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	url := c.baseURL + rtcConfigPath
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, c.httpError(url, err)
	}
	servers, err := config.ParseRTCConfiguration(body)
	if err != nil {
		return nil, protocolErrorf("rtcConfig: %v", err)
	}
	c.logger.Debug("fetched ice servers", "count", len(servers))
	return servers, nil
}

func (c *Client) get(ctx context.Context, url string) (body []byte, err error) {
	defer err2.Handle(&err)

	req := try.To1(http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody))
	req.Header.Set("Accept", "application/json")

	res := try.To1(c.http.Do(req))
	defer res.Body.Close()

	body = try.To1(io.ReadAll(io.LimitReader(res.Body, maxResponseBytes)))
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &HTTPError{URL: url, StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func (c *Client) httpError(url string, err error) error {
	c.metrics.Inc(metrics.HTTPRequestErrors)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	return &HTTPError{URL: url, Err: err}
}
