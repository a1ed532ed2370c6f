package polling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"consentflow/internal/permission/models"
	"consentflow/internal/retry"
	id "consentflow/pkg/domain"
)

// HTTPFetcher asks a region connector's data gateway how far the delivered
// data of a request reaches:
//
//	GET {base}/permissions/{id}/data-end?since={watermark}
//
// 200 carries {"data_end": RFC 3339}, 204 means nothing new and 425 means
// the administrator has not published data yet.
type HTTPFetcher struct {
	connector id.RegionConnectorID
	baseURL   string
	client    *http.Client
}

type dataEndResponse struct {
	DataEnd time.Time `json:"data_end"`
}

// NewHTTPFetcher builds a fetcher for baseURL. A nil client gets a traced
// default.
func NewHTTPFetcher(connector id.RegionConnectorID, baseURL string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPFetcher{
		connector: connector,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    client,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, pr models.PermissionRequest) (time.Time, error) {
	endpoint := fmt.Sprintf("%s/permissions/%s/data-end", f.baseURL, url.PathEscape(pr.PermissionID.String()))
	if pr.LastObservedDataEnd != nil {
		endpoint += "?since=" + url.QueryEscape(pr.LastObservedDataEnd.UTC().Format(time.RFC3339))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return time.Time{}, retry.NewAdapterError(retry.ErrorInternal, f.connector.String(), "build request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		if retry.Classify(err).Outcome == retry.OutcomeRetry || errors.Is(err, context.Canceled) {
			return time.Time{}, err
		}
		return time.Time{}, retry.NewAdapterError(retry.ErrorProviderOutage, f.connector.String(), "request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body dataEndResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return time.Time{}, retry.NewAdapterError(retry.ErrorInternal, f.connector.String(), "decode response", err)
		}
		return body.DataEnd, nil
	case http.StatusNoContent:
		return time.Time{}, nil
	case http.StatusTooEarly:
		return time.Time{}, ErrNotReady
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return time.Time{}, retry.FromStatus(f.connector.String(), resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
}
