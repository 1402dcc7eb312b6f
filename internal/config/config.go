// Package config loads the gateway's environment configuration, with an
// optional YAML overlay for the values operators tend to want to tune
// without restarting the process via env var edits.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved set of tunables from §6 of the spec.
// AutoCapture, RequireAuth, CamUser, RTSPPath, StorageMode and
// StorageConcurrency are re-read from the YAML overlay by Watcher while
// the gateway is serving traffic, so they're guarded by mu and exposed
// through accessor methods rather than plain fields — the same
// mutex-guarded-state shape the teacher uses in license.Manager for its
// own reloadable fields. Every other field is set once in Load and never
// written again, so it's safe to read directly.
type Config struct {
	WSPort  int
	WSTLS   bool
	TLSCert string
	TLSKey  string

	ProxyPort int

	CamPass string

	OutDir string

	HelloWait         time.Duration
	CaptureWait       time.Duration
	AuthMaxAttempts   int
	AuthAttemptWindow time.Duration

	StorageDeleteLocal bool
	UseDeviceTZOffset  bool

	StorageS3Endpoint  string
	StorageS3Bucket    string
	StorageS3AccessKey string
	StorageS3SecretKey string
	StorageS3UseSSL    bool

	RegistryAddr     string
	RegistryPassword string

	LeaderAddr     string
	LeaderPassword string

	NotifierNATSURL string
	NotifierSubject string

	MetricsAddr string

	DeviceRegistryAddr string

	mu                 sync.RWMutex
	autoCapture        bool
	requireAuth        bool
	camUser            string
	rtspPath           string
	storageMode        string
	storageConcurrency int
}

func (c *Config) AutoCapture() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.autoCapture
}

func (c *Config) RequireAuth() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.requireAuth
}

func (c *Config) CamUser() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.camUser
}

func (c *Config) RTSPPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rtspPath
}

func (c *Config) StorageMode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.storageMode
}

func (c *Config) StorageConcurrency() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.storageConcurrency
}

// yamlOverlay mirrors the handful of fields operators commonly override
// through config/default.yaml rather than the environment, the way the
// teacher's cmd/server/main.go re-parses config/default.yaml for
// rate-limit and event settings.
type yamlOverlay struct {
	Capture struct {
		AutoCapture *bool  `yaml:"auto_capture"`
		RequireAuth *bool  `yaml:"require_auth"`
		CamUser     string `yaml:"cam_user"`
		RTSPPath    string `yaml:"rtsp_path"`
	} `yaml:"capture"`
	Storage struct {
		Mode        string `yaml:"mode"`
		Concurrency int    `yaml:"concurrency"`
	} `yaml:"storage"`
}

// Load reads the environment into Config, then applies configPath (if it
// exists) as a YAML overlay. A missing overlay file is not an error.
func Load(configPath string) (*Config, error) {
	c := &Config{
		WSPort:             envInt("WS_PORT", 7443),
		WSTLS:              envBool("WS_TLS", false),
		TLSCert:            os.Getenv("TLS_CERT"),
		TLSKey:             os.Getenv("TLS_KEY"),
		ProxyPort:          envInt("PROXY_PORT", 8554),
		CamPass:            os.Getenv("CAM_PASS"),
		OutDir:             os.Getenv("OUT_DIR"),
		HelloWait:          envMillis("HELLO_WAIT_MS", 2000),
		CaptureWait:        envMillis("CAPTURE_TIMEOUT_MS", 45000),
		AuthMaxAttempts:    envInt("AUTH_MAX_ATTEMPTS", 8),
		AuthAttemptWindow:  envMillis("AUTH_ATTEMPT_WINDOW_MS", 60000),
		StorageDeleteLocal: envBool("STORAGE_DELETE_LOCAL", true),
		UseDeviceTZOffset:  envBool("USE_DEVICE_TZ_OFFSET", false),
		StorageS3Endpoint:  envStr("STORAGE_S3_ENDPOINT", "s3.amazonaws.com"),
		StorageS3Bucket:    os.Getenv("STORAGE_S3_BUCKET"),
		StorageS3AccessKey: os.Getenv("STORAGE_S3_ACCESS_KEY"),
		StorageS3SecretKey: os.Getenv("STORAGE_S3_SECRET_KEY"),
		StorageS3UseSSL:    envBool("STORAGE_S3_USE_SSL", true),
		RegistryAddr:       envStr("REGISTRY_CACHE_ADDR", "localhost:6379"),
		RegistryPassword:   os.Getenv("REGISTRY_CACHE_PASSWORD"),
		LeaderAddr:         envStr("LEADER_CACHE_ADDR", "localhost:6379"),
		LeaderPassword:     os.Getenv("LEADER_CACHE_PASSWORD"),
		NotifierNATSURL:    os.Getenv("NOTIFIER_NATS_URL"),
		NotifierSubject:    envStr("NOTIFIER_SUBJECT", "snapshot.events"),
		MetricsAddr:        envStr("METRICS_ADDR", ":9090"),
		DeviceRegistryAddr: os.Getenv("DEVICE_REGISTRY_ADDR"),

		autoCapture:        envBool("AUTO_CAPTURE", true),
		requireAuth:        envBool("REQUIRE_AUTH", false),
		camUser:            envStr("CAM_USER", "admin"),
		rtspPath:           envStr("RTSP_PATH", "/stream2"),
		storageMode:        envStr("STORAGE_MODE", "local"),
		storageConcurrency: envInt("STORAGE_CONCURRENCY", 2),
	}

	if c.WSTLS && (c.TLSCert == "" || c.TLSKey == "") {
		return nil, fmt.Errorf("WS_TLS=1 requires TLS_CERT and TLS_KEY")
	}

	if configPath != "" {
		if err := c.applyYAML(configPath); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Config) applyYAML(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config overlay: %w", err)
	}

	var overlay yamlOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse config overlay: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if overlay.Capture.AutoCapture != nil {
		c.autoCapture = *overlay.Capture.AutoCapture
	}
	if overlay.Capture.RequireAuth != nil {
		c.requireAuth = *overlay.Capture.RequireAuth
	}
	if overlay.Capture.CamUser != "" {
		c.camUser = overlay.Capture.CamUser
	}
	if overlay.Capture.RTSPPath != "" {
		c.rtspPath = overlay.Capture.RTSPPath
	}
	if overlay.Storage.Mode != "" {
		c.storageMode = overlay.Storage.Mode
	}
	if overlay.Storage.Concurrency > 0 {
		c.storageConcurrency = overlay.Storage.Concurrency
	}

	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "on"
}

func envMillis(key string, defMs int) time.Duration {
	return time.Duration(envInt(key, defMs)) * time.Millisecond
}
