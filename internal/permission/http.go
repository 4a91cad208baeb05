package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Clark-Hu/rateable/internal/domain"
	"github.com/Clark-Hu/rateable/internal/rating"
)

// HTTPChecker asks an external permission service whether an action is
// allowed. The service answers GET /permissions/check with {"allowed": bool};
// 404 means the reviewer is unknown and is treated as a denial.
type HTTPChecker struct {
	baseURL *url.URL
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

var _ rating.PermissionChecker = (*HTTPChecker)(nil)

// NewHTTPChecker constructs an HTTP-backed permission checker.
func NewHTTPChecker(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) (*HTTPChecker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse permission url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse permission url: %q is not absolute", baseURL)
	}
	return &HTTPChecker{
		baseURL: parsed,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   timeout,
				ResponseHeaderTimeout: timeout,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		logger: logger,
	}, nil
}

func (c *HTTPChecker) CanAdd(ctx context.Context, reviewer string, resource domain.ResourceRef) (bool, error) {
	return c.check(ctx, reviewer, resource, domain.ActionAdd)
}

func (c *HTTPChecker) CanChange(ctx context.Context, reviewer string, resource domain.ResourceRef) (bool, error) {
	return c.check(ctx, reviewer, resource, domain.ActionChange)
}

func (c *HTTPChecker) CanRemove(ctx context.Context, reviewer string, resource domain.ResourceRef) (bool, error) {
	return c.check(ctx, reviewer, resource, domain.ActionRemove)
}

func (c *HTTPChecker) check(ctx context.Context, reviewer string, resource domain.ResourceRef, action domain.Action) (bool, error) {
	rel := &url.URL{Path: c.baseURL.Path + "/permissions/check"}
	q := rel.Query()
	q.Set("reviewer", reviewer)
	q.Set("kind", resource.Kind)
	q.Set("id", resource.ID)
	q.Set("action", string(action))
	rel.RawQuery = q.Encode()
	endpoint := c.baseURL.ResolveReference(rel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-Request-Id", uuid.NewString())
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("permission request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return decodeDecision(resp.Body)
	case http.StatusNotFound:
		return false, nil
	default:
		c.logger.Warn("unexpected permission service status",
			"status", resp.StatusCode, "reviewer", reviewer, "resource", resource.String(), "action", action)
		return false, fmt.Errorf("permission: upstream returned %d", resp.StatusCode)
	}
}

type decision struct {
	Allowed *bool  `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// decodeDecision requires an explicit "allowed" field; a missing one is an error.
func decodeDecision(r io.Reader) (bool, error) {
	var payload decision
	if err := json.NewDecoder(io.LimitReader(r, 1<<16)).Decode(&payload); err != nil {
		return false, fmt.Errorf("decode permission response: %w", err)
	}
	if payload.Allowed == nil {
		return false, fmt.Errorf("decode permission response: missing allowed field")
	}
	return *payload.Allowed, nil
}
