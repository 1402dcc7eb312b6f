package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSourceFetchDevice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/devices/dev1", r.URL.Path)
		json.NewEncoder(w).Encode(Device{ID: "dev1", TZOffset: -5})
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL)
	d, err := src.FetchDevice(context.Background(), "dev1")
	require.NoError(t, err)
	assert.Equal(t, "dev1", d.ID)
	assert.Equal(t, -5, d.TZOffset)
}

func TestHTTPSourceFetchCertificateNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL)
	_, err := src.FetchCertificate(context.Background(), "dev1")
	assert.Error(t, err)
}

func TestHTTPSourceFetchSensorMeta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]SensorMeta{"p1": {CamUser: "alt"}})
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL)
	m, err := src.FetchSensorMeta(context.Background(), "dev1")
	require.NoError(t, err)
	assert.Equal(t, "alt", m["p1"].CamUser)
}
