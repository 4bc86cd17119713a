package resiliency

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_ClassifiesResponses(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("traceparent"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte("body"))
	}))
	defer srv.Close()

	c := NewHTTPClientFrom(srv.Client())
	do := func() error {
		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		resp, err := c.Do(req)
		if err == nil {
			_ = resp.Body.Close()
		}
		return err
	}

	require.NoError(t, do())

	status = http.StatusServiceUnavailable
	err := do()
	require.Error(t, err)
	assert.False(t, IsPermanent(err))

	status = http.StatusTooManyRequests
	err = do()
	require.Error(t, err)
	assert.False(t, IsPermanent(err))

	status = http.StatusNotFound
	err = do()
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Equal(t, "body", se.Body)
}
