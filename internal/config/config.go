// Package config loads the server daemon configuration from yaml with
// environment-variable overrides.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Server struct {
	ListenAddr string `yaml:"listenAddr"`
	// DeploymentURL is the public base URL of this server. Request and
	// response signatures bind "<METHOD> <DeploymentURL><path>", so it
	// must match the serverURL configured on clients.
	DeploymentURL string    `yaml:"deploymentUrl"`
	DatabasePath  string    `yaml:"databasePath"`
	LogLevel      string    `yaml:"logLevel"`
	Signature     Signature `yaml:"signature"`
	RateLimit     RateLimit `yaml:"rateLimit"`
}

// Signature is the server's own long-lived Ed25519 key pair, base64url.
type Signature struct {
	PublicKey  string `yaml:"publicKey"`
	PrivateKey string `yaml:"privateKey"`
}

type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

func Default() Server {
	return Server{
		ListenAddr:    "127.0.0.1:3001",
		DeploymentURL: "http://127.0.0.1:3001",
		DatabasePath:  "keyfold.db",
		LogLevel:      "info",
		RateLimit: RateLimit{
			RequestsPerSecond: 20,
			Burst:             40,
		},
	}
}

// LoadFromPath reads the config file at configPath (or the default
// candidates when empty), merges it over defaults, then applies
// environment overrides.
func LoadFromPath(configPath string) Server {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates, "keyfold.yaml", "configs/keyfold.yaml")
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed Server
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merge(&cfg, parsed)
		break
	}

	applyEnvOverrides(&cfg)
	return cfg
}

func merge(dst *Server, src Server) {
	if src.ListenAddr != "" {
		dst.ListenAddr = src.ListenAddr
	}
	if src.DeploymentURL != "" {
		dst.DeploymentURL = src.DeploymentURL
	}
	if src.DatabasePath != "" {
		dst.DatabasePath = src.DatabasePath
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.Signature.PublicKey != "" {
		dst.Signature.PublicKey = src.Signature.PublicKey
	}
	if src.Signature.PrivateKey != "" {
		dst.Signature.PrivateKey = src.Signature.PrivateKey
	}
	if src.RateLimit.RequestsPerSecond > 0 {
		dst.RateLimit.RequestsPerSecond = src.RateLimit.RequestsPerSecond
	}
	if src.RateLimit.Burst > 0 {
		dst.RateLimit.Burst = src.RateLimit.Burst
	}
}

func applyEnvOverrides(cfg *Server) {
	if v := os.Getenv("KEYFOLD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("KEYFOLD_DEPLOYMENT_URL"); v != "" {
		cfg.DeploymentURL = v
	}
	if v := os.Getenv("KEYFOLD_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("KEYFOLD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("KEYFOLD_SIGNATURE_PUBLIC_KEY"); v != "" {
		cfg.Signature.PublicKey = v
	}
	if v := os.Getenv("KEYFOLD_SIGNATURE_PRIVATE_KEY"); v != "" {
		cfg.Signature.PrivateKey = v
	}
	if v := os.Getenv("KEYFOLD_RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f > 0 {
			cfg.RateLimit.RequestsPerSecond = f
		}
	}
	if v := os.Getenv("KEYFOLD_RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.RateLimit.Burst = n
		}
	}
}
