package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPSource is the out-of-scope device registry collaborator's real
// transport: a small JSON client over HTTP, following the same
// per-call-timeout posture as the teacher's ONVIF SOAP client.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 3 * time.Second},
	}
}

func (s *HTTPSource) FetchDevice(ctx context.Context, deviceID string) (Device, error) {
	var d Device
	err := s.getJSON(ctx, fmt.Sprintf("/devices/%s", deviceID), &d)
	return d, err
}

func (s *HTTPSource) FetchSensorMeta(ctx context.Context, deviceID string) (map[string]SensorMeta, error) {
	m := map[string]SensorMeta{}
	err := s.getJSON(ctx, fmt.Sprintf("/devices/%s/sensors", deviceID), &m)
	return m, err
}

func (s *HTTPSource) FetchCertificate(ctx context.Context, deviceID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+fmt.Sprintf("/devices/%s/certificate", deviceID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry: fetch certificate %s: status %d", deviceID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (s *HTTPSource) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry: GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
