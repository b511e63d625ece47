package ratecontrol

import (
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

type config struct {
	RateLimits struct {
		DefaultRPM        int `yaml:"default_rpm"`
		DefaultTPM        int `yaml:"default_tpm"`
		ProviderOverrides map[string]struct {
			RPM int `yaml:"rpm"`
			TPM int `yaml:"tpm"`
		} `yaml:"provider_overrides"`
	} `yaml:"rate_limits"`
}

// RateLimit caps a completion provider in requests and tokens per minute.
// A zero field means unlimited.
type RateLimit struct {
	RPM int
	TPM int
}

var (
	mu          sync.RWMutex
	loaded      *config
	initialized bool
)

var defaultPaths = []string{
	os.Getenv("PROVIDERS_CONFIG_PATH"),
	"/app/config/providers.yaml",
	"./config/providers.yaml",
	"../../config/providers.yaml",
}

func loadLocked() {
	var cfg config
	for _, p := range defaultPaths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var tmp config
		if err := yaml.Unmarshal(data, &tmp); err != nil {
			log.Printf("WARNING: failed to unmarshal rate limit config from %s: %v", p, err)
			continue
		}
		cfg = tmp
		log.Printf("Loaded rate limit configuration from %s", p)
		break
	}
	if cfg.RateLimits.DefaultRPM == 0 && cfg.RateLimits.DefaultTPM == 0 && len(cfg.RateLimits.ProviderOverrides) == 0 {
		if path, ok := findUpConfig(); ok {
			if data, err := os.ReadFile(path); err == nil {
				var tmp config
				if err := yaml.Unmarshal(data, &tmp); err == nil {
					cfg = tmp
					log.Printf("Loaded rate limit configuration from %s", path)
				}
			}
		}
	}
	loaded = &cfg
	initialized = true
}

func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "providers.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

func get() *config {
	mu.RLock()
	if initialized {
		defer mu.RUnlock()
		return loaded
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		loadLocked()
	}
	return loaded
}

// LimitForProvider returns the configured limit for a completion provider,
// falling back to the built-in defaults when the config has no override.
func LimitForProvider(provider string) RateLimit {
	name := strings.ToLower(strings.TrimSpace(provider))
	cfg := get()
	if cfg != nil && cfg.RateLimits.ProviderOverrides != nil {
		if override, ok := cfg.RateLimits.ProviderOverrides[name]; ok {
			return RateLimit{RPM: override.RPM, TPM: override.TPM}
		}
	}
	if limit, ok := builtInProviderLimits[name]; ok {
		return limit
	}
	if cfg != nil && (cfg.RateLimits.DefaultRPM > 0 || cfg.RateLimits.DefaultTPM > 0) {
		return RateLimit{RPM: cfg.RateLimits.DefaultRPM, TPM: cfg.RateLimits.DefaultTPM}
	}
	return RateLimit{}
}

var builtInProviderLimits = map[string]RateLimit{
	"openai": {RPM: 30, TPM: 60000},
	"gemini": {RPM: 40, TPM: 80000},
	"stub":   {},
}

// DelayForTokens returns how long a request of the given size must wait to
// stay under the provider's token-per-minute limit. Request-per-minute
// pacing is handled by the caller's limiter, so only the TPM share counts
// here.
func DelayForTokens(provider string, estimatedTokens int) time.Duration {
	limit := LimitForProvider(provider)
	if limit.TPM <= 0 || estimatedTokens <= 0 {
		return 0
	}
	perToken := 60000.0 / float64(limit.TPM)
	delayMs := perToken * float64(estimatedTokens)
	if delayMs <= 0 {
		return 0
	}
	if delayMs > 60000 {
		delayMs = 60000
	}
	return time.Duration(math.Ceil(delayMs)) * time.Millisecond
}

func Reload() {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	loadLocked()
}
