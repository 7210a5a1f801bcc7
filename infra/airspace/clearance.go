package airspace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/medifleet/dispatch/auth"
	"github.com/medifleet/dispatch/core/dispatch"
	"github.com/medifleet/dispatch/core/model"
	"github.com/medifleet/dispatch/infra/logger"
)

// ClearanceConfig selects and configures the airspace authority client.
type ClearanceConfig struct {
	// Mode is "http" for a real authority endpoint or "auto" for a local
	// auto-granting stub used in development setups.
	Mode           string `json:"mode"`
	URL            string `json:"url"`
	Token          string `json:"token"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	// OAuth configures a client credentials grant; it takes precedence
	// over the static Token.
	OAuth auth.Conf `json:"oauth"`
}

// NewClearanceRequester creates a requester depending on cfg.Mode.
func NewClearanceRequester(cfg ClearanceConfig) dispatch.ClearanceRequester {
	switch strings.ToLower(cfg.Mode) {
	case "auto":
		return AutoGrant{}
	default:
		return NewHTTPClearanceClient(cfg)
	}
}

// AutoGrant approves every request locally. Development only; a production
// deployment must point at the real authority.
type AutoGrant struct{}

func (AutoGrant) RequestClearance(_ context.Context, center model.GeoPoint, radiusM float64, reason string, duration time.Duration) (dispatch.Clearance, error) {
	return dispatch.Clearance{
		Token:   "auto",
		Until:   time.Now().UTC().Add(duration),
		Area:    fmt.Sprintf("%.5f,%.5f r=%.0fm", center.Lat, center.Lon, radiusM),
		Granted: true,
	}, nil
}

// HTTPClearanceClient asks the airspace authority's REST endpoint.
type HTTPClearanceClient struct {
	client *http.Client
	url    string
	token  string
	creds  *auth.ClientCred
	log    logger.Logger
}

// NewHTTPClearanceClient creates a client for the configured endpoint.
func NewHTTPClearanceClient(cfg ClearanceConfig) *HTTPClearanceClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var creds *auth.ClientCred
	if cfg.OAuth.Configured() {
		creds = auth.NewClientCred(cfg.OAuth)
	}
	return &HTTPClearanceClient{
		client: &http.Client{Timeout: timeout},
		url:    cfg.URL,
		token:  cfg.Token,
		creds:  creds,
		log:    logger.New("clearance-client"),
	}
}

type clearanceRequest struct {
	Center    model.GeoPoint `json:"center"`
	RadiusM   float64        `json:"radius_m"`
	Reason    string         `json:"reason"`
	DurationS int            `json:"duration_s"`
}

// RequestClearance posts the request and decodes the authority's decision. A
// denial is not an error; the caller falls back to the restricted route
// search or keeps retrying.
func (c *HTTPClearanceClient) RequestClearance(ctx context.Context, center model.GeoPoint, radiusM float64, reason string, duration time.Duration) (dispatch.Clearance, error) {
	body, err := json.Marshal(clearanceRequest{
		Center:    center,
		RadiusM:   radiusM,
		Reason:    reason,
		DurationS: int(duration.Seconds()),
	})
	if err != nil {
		return dispatch.Clearance{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return dispatch.Clearance{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.creds != nil:
		if err := c.creds.SetAuthHeader(ctx, req); err != nil {
			return dispatch.Clearance{}, err
		}
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return dispatch.Clearance{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return dispatch.Clearance{}, fmt.Errorf("clearance request: authority returned %s", resp.Status)
	}
	var cl dispatch.Clearance
	if err := json.NewDecoder(resp.Body).Decode(&cl); err != nil {
		return dispatch.Clearance{}, err
	}
	if !cl.Granted {
		c.log.Warnf("clearance denied for %s", reason)
	}
	return cl, nil
}
