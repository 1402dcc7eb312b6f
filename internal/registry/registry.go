// Package registry is a read-through cache over the external device
// registry: device rows and sensor metadata are cached for 900s in
// Redis, the same TTL-cache-over-an-external-store pattern the teacher
// uses for session and live-demand state, while certificate lookups
// are always fetched fresh (security posture: §4.3 never caches key
// material).
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTL is how long a device or sensor lookup stays cached before the
// next read re-fetches from the source registry.
const TTL = 900 * time.Second

// Device is the device row as returned by the upstream registry.
type Device struct {
	ID       string `json:"id"`
	Revoked  bool   `json:"revoked"`
	TZOffset int    `json:"tzOffsetHours"`
}

// SensorMeta is a per-device camera profile override row.
type SensorMeta struct {
	CamUser  string `json:"camUser,omitempty"`
	CamPass  string `json:"camPass,omitempty"`
	RTSPPath string `json:"rtspPath,omitempty"`
}

// Source is the out-of-scope upstream registry collaborator.
// HTTPSource (httpsource.go) implements it as a JSON client over HTTP.
type Source interface {
	FetchDevice(ctx context.Context, deviceID string) (Device, error)
	FetchSensorMeta(ctx context.Context, deviceID string) (map[string]SensorMeta, error)
	FetchCertificate(ctx context.Context, deviceID string) ([]byte, error)
}

// Cache is a read-through TTL cache in front of a Source.
type Cache struct {
	client *redis.Client
	source Source
}

func New(client *redis.Client, source Source) *Cache {
	return &Cache{client: client, source: source}
}

func deviceKey(id string) string  { return fmt.Sprintf("rtsp-tunnel:device-id:%s", id) }
func sensorKey(id string) string  { return fmt.Sprintf("rtsp-tunnel:device-sensors:%s", id) }

// LookupDevice returns the cached device row, populating the cache on
// a miss. A source fetch failure returns a zero-value Device and does
// not cache the negative result, so the next lookup retries the source.
func (c *Cache) LookupDevice(ctx context.Context, deviceID string) (Device, error) {
	key := deviceKey(deviceID)

	if c.client != nil {
		if cached, err := c.client.Get(ctx, key).Result(); err == nil {
			var d Device
			if jsonErr := json.Unmarshal([]byte(cached), &d); jsonErr == nil {
				return d, nil
			}
		}
	}

	d, err := c.source.FetchDevice(ctx, deviceID)
	if err != nil {
		return Device{}, nil
	}

	if c.client != nil {
		if encoded, err := json.Marshal(d); err == nil {
			c.client.Set(ctx, key, encoded, TTL)
		}
	}

	return d, nil
}

// LookupSensorMeta returns the cached sensorKey → SensorMeta map for a
// device, populating the cache on a miss.
func (c *Cache) LookupSensorMeta(ctx context.Context, deviceID string) (map[string]SensorMeta, error) {
	key := sensorKey(deviceID)

	if c.client != nil {
		if cached, err := c.client.Get(ctx, key).Result(); err == nil {
			var m map[string]SensorMeta
			if jsonErr := json.Unmarshal([]byte(cached), &m); jsonErr == nil {
				return m, nil
			}
		}
	}

	m, err := c.source.FetchSensorMeta(ctx, deviceID)
	if err != nil {
		return map[string]SensorMeta{}, nil
	}

	if c.client != nil {
		if encoded, err := json.Marshal(m); err == nil {
			c.client.Set(ctx, key, encoded, TTL)
		}
	}

	return m, nil
}

// LookupCertificate always fetches from the source; certificates are
// never cached.
func (c *Cache) LookupCertificate(ctx context.Context, deviceID string) ([]byte, error) {
	return c.source.FetchCertificate(ctx, deviceID)
}
