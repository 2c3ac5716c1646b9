package version

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	t.Parallel()

	tests := []struct {
		v1, v2 string
		want   int
	}{
		{"1.2.3", "1.2.3", 0},
		{"v1.2.3", "1.2.3", 0},
		{"1.2.4", "1.2.3", 1},
		{"1.2.3", "2.0.0", -1},
		{"1.10.0", "1.9.9", 1},
		{"1.2.3-rc1", "1.2.3", 0},
		{"dev", "1.0.0", -1},
		{"1.0.0", "dev", 1},
		{"dev", "", 0},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, Compare(tc.v1, tc.v2), "%s vs %s", tc.v1, tc.v2)
	}
}

func TestIsNewer(t *testing.T) {
	t.Parallel()

	assert.True(t, IsNewer("1.0.0", "1.0.1"))
	assert.False(t, IsNewer("1.0.1", "1.0.1"))
	assert.True(t, IsNewer("dev", "0.1.0"))
}

func TestLatestRelease(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/keelwallet/keel/releases/latest", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tag_name":"v1.4.0","name":"1.4.0"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	release, err := c.LatestRelease(context.Background(), "keelwallet", "keel")
	require.NoError(t, err)
	assert.Equal(t, "v1.4.0", release.TagName)
}

func TestLatestRelease_APIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	_, err := c.LatestRelease(context.Background(), "keelwallet", "keel")
	require.ErrorIs(t, err, ErrReleaseLookupFailed)
}
