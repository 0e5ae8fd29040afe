package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/MegaGrindStone/rag-web-ui/internal/services"
	"github.com/MegaGrindStone/rag-web-ui/internal/stream"
	"gopkg.in/yaml.v3"
)

const (
	appDirName = "ragchat"

	envBackendURL = "RAGCHAT_BACKEND_URL"
	envToken      = "RAGCHAT_TOKEN"
)

type config struct {
	Port      string        `yaml:"port"`
	Backend   backendConfig `yaml:"backend"`
	Log       logConfig     `yaml:"log"`
	StorePath string        `yaml:"storePath"`
}

type backendConfig struct {
	BaseURL    string `yaml:"baseURL"`
	StreamPath string `yaml:"streamPath"`
	// Token is sent instead of the stored credentials when set.
	Token string `yaml:"token"`
}

type logConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaultConfig(appDir string) config {
	return config{
		Port: "8080",
		Backend: backendConfig{
			StreamPath: stream.DefaultStreamPath,
		},
		Log: logConfig{
			Level:  "info",
			Format: "text",
		},
		StorePath: filepath.Join(appDir, "store.db"),
	}
}

// UnmarshalYAML starts from the values already in c, so keys missing from the file keep their defaults.
func (c *config) UnmarshalYAML(value *yaml.Node) error {
	type rawConfig config
	raw := rawConfig(*c)
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*c = config(raw)
	return nil
}

// loadConfig reads the config file at path on top of the defaults, then applies the environment fallbacks. A
// missing file is only an error when required is set, that is when the path was given explicitly.
func loadConfig(path, appDir string, required bool) (config, error) {
	cfg := defaultConfig(appDir)

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !required:
	default:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}

	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = os.Getenv(envBackendURL)
	}
	if cfg.Backend.Token == "" {
		cfg.Backend.Token = os.Getenv(envToken)
	}

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

// validate checks everything every command needs. The backend settings are checked by backendConfig.validate, only
// for the commands that talk to the backend.
func (c config) validate() error {
	if port, err := strconv.Atoi(c.Port); err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %q", c.Port)
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log format %q, want text or json", c.Log.Format)
	}

	if c.StorePath == "" {
		return errors.New("storePath is required")
	}
	return nil
}

func (b backendConfig) validate() error {
	if b.BaseURL == "" {
		return fmt.Errorf("backend.baseURL is required (or set %s)", envBackendURL)
	}
	u, err := url.Parse(b.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid backend.baseURL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend.baseURL must be an http or https URL, got %q", b.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("backend.baseURL has no host: %q", b.BaseURL)
	}

	if strings.Count(b.StreamPath, "%s") != 1 || strings.Count(b.StreamPath, "%") != 1 {
		return fmt.Errorf("backend.streamPath must contain exactly one %%s for the chat ID, got %q", b.StreamPath)
	}
	if !strings.HasPrefix(b.StreamPath, "/") {
		return fmt.Errorf("backend.streamPath must start with /, got %q", b.StreamPath)
	}
	return nil
}

// tokenSource prefers a configured token over the credentials saved by login.
func (c config) tokenSource(db services.BoltDB) stream.TokenSource {
	if c.Backend.Token != "" {
		return services.StaticToken(c.Backend.Token)
	}
	return db
}

func appDir() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	dir := filepath.Join(cfgDir, appDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("error creating config directory: %w", err)
	}
	return dir, nil
}
