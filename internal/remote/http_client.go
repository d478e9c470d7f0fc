package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ilyaizen/habistat/internal/auth"
	"github.com/ilyaizen/habistat/pkg/db/models"
	pkgerrors "github.com/ilyaizen/habistat/pkg/errors"
	"github.com/ilyaizen/habistat/pkg/types"
)

const syncPathPrefix = "/api/v1/sync/"

// maxErrorBody bounds how much of a failed response is read for diagnostics.
const maxErrorBody = 64 << 10

// HTTPClient talks to the sync API served by cmd/api.
type HTTPClient struct {
	baseURL *url.URL
	http    *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) (*HTTPClient, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("remote url is required")
	}
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("remote url must be http or https, got %q", parsed.Scheme)
	}
	return &HTTPClient{baseURL: parsed, http: &http.Client{Timeout: timeout}}, nil
}

func (c *HTTPClient) Query(ctx context.Context, cred *auth.Credential, kind models.Kind, filter Filter) (Page, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(filter.UpdatedSince, 10))
	if filter.Cursor != "" {
		q.Set("cursor", filter.Cursor)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	var page Page
	err := c.do(ctx, cred, http.MethodGet, c.endpoint(kind, q), nil, &page)
	return page, err
}

func (c *HTTPClient) Mutate(ctx context.Context, cred *auth.Credential, kind models.Kind, rec Record) (MutateResult, error) {
	body, err := json.Marshal(MutateRequest{Record: rec})
	if err != nil {
		return MutateResult{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode push")
	}
	var result MutateResult
	err = c.do(ctx, cred, http.MethodPost, c.endpoint(kind, nil), body, &result)
	return result, err
}

func (c *HTTPClient) endpoint(kind models.Kind, q url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + syncPathPrefix + url.PathEscape(string(kind))
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *HTTPClient) do(ctx context.Context, cred *auth.Credential, method, endpoint string, body []byte, dest any) error {
	if cred == nil || cred.Token == "" {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credential")
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("%s %s", method, req.URL.Path))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var envelope types.RawEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode response")
		}
		if err := json.Unmarshal(envelope.Data, dest); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode response data")
		}
		return nil
	}
	return responseError(resp)
}

// responseError rebuilds the server's typed error. Bodies that are not our
// envelope (proxies, load balancers) fall back to a code derived from status.
func responseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var envelope types.ErrorEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Code != "" {
		typed := pkgerrors.New(pkgerrors.Code(envelope.Error.Code), envelope.Error.Message)
		if envelope.Error.Details != nil {
			typed = typed.WithDetails(envelope.Error.Details)
		}
		return typed
	}

	msg := fmt.Sprintf("remote returned %d", resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return pkgerrors.New(pkgerrors.CodeUnauthorized, msg)
	case resp.StatusCode == http.StatusForbidden:
		return pkgerrors.New(pkgerrors.CodeForbidden, msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		return pkgerrors.New(pkgerrors.CodeRateLimit, msg)
	case resp.StatusCode >= 500:
		return pkgerrors.New(pkgerrors.CodeDependency, msg)
	default:
		return pkgerrors.New(pkgerrors.CodeValidation, msg)
	}
}
