package polling

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consentflow/internal/permission/models"
	"consentflow/internal/retry"
	id "consentflow/pkg/domain"
)

func TestHTTPFetcher(t *testing.T) {
	pid := id.NewPermissionID()
	watermark := time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)

	var status int
	var body string
	var gotSince string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/permissions/"+pid.String()+"/data-end", r.URL.Path)
		gotSince = r.URL.Query().Get("since")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	fetcher := NewHTTPFetcher(connector, srv.URL+"/", srv.Client())
	pr := models.PermissionRequest{PermissionID: pid, LastObservedDataEnd: &watermark}

	t.Run("data end", func(t *testing.T) {
		status, body = http.StatusOK, `{"data_end":"2024-02-02T00:00:00Z"}`
		end, err := fetcher.Fetch(context.Background(), pr)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, time.February, 2, 0, 0, 0, 0, time.UTC), end.UTC())
		assert.Equal(t, "2024-01-15T00:00:00Z", gotSince)
	})

	t.Run("nothing new", func(t *testing.T) {
		status, body = http.StatusNoContent, ""
		end, err := fetcher.Fetch(context.Background(), pr)
		require.NoError(t, err)
		assert.True(t, end.IsZero())
	})

	t.Run("not ready", func(t *testing.T) {
		status, body = http.StatusTooEarly, ""
		_, err := fetcher.Fetch(context.Background(), pr)
		assert.True(t, errors.Is(err, ErrNotReady))
	})

	t.Run("status codes are classified", func(t *testing.T) {
		cases := map[int]retry.Outcome{
			http.StatusUnauthorized:        retry.OutcomeRevoke,
			http.StatusNotFound:            retry.OutcomeInvalid,
			http.StatusServiceUnavailable:  retry.OutcomeRetry,
			http.StatusTooManyRequests:     retry.OutcomeRetry,
			http.StatusInternalServerError: retry.OutcomeRetry,
		}
		for code, want := range cases {
			status, body = code, "nope"
			_, err := fetcher.Fetch(context.Background(), pr)
			require.Error(t, err)
			assert.Equal(t, want, retry.Classify(err).Outcome, "status %d", code)
		}
	})

	t.Run("garbage body", func(t *testing.T) {
		status, body = http.StatusOK, "{"
		_, err := fetcher.Fetch(context.Background(), pr)
		assert.Equal(t, retry.OutcomeUnclassified, retry.Classify(err).Outcome)
	})
}

func TestHTTPFetcherUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPFetcher(connector, url, nil).Fetch(context.Background(), models.PermissionRequest{PermissionID: id.NewPermissionID()})
	require.Error(t, err)
	assert.Equal(t, retry.ErrorProviderOutage, retry.GetCategory(err))
}
