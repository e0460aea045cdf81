package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/optimirror/internal/configfile"
	"github.com/agentworkforce/optimirror/internal/httpapi"
	"github.com/agentworkforce/optimirror/internal/optimirror"
)

func main() {
	addr := os.Getenv("OPTIMIRROR_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	stateBackend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}

	coord := optimirror.NewCoordinatorWithOptions(optimirror.CoordinatorOptions{
		Retry: optimirror.RetryConfig{
			MaxRetries: intEnv("OPTIMIRROR_MAX_RETRIES", 0),
			BaseDelay:  durationEnv("OPTIMIRROR_BASE_DELAY", 0),
			MaxDelay:   durationEnv("OPTIMIRROR_MAX_DELAY", 0),
		},
		BreakerThreshold: intEnv("OPTIMIRROR_BREAKER_THRESHOLD", 0),
		BreakerTimeout:   durationEnv("OPTIMIRROR_BREAKER_TIMEOUT", 0),
		StateBackend:     stateBackend,
	})

	if configPath := strings.TrimSpace(os.Getenv("OPTIMIRROR_CONFIG_FILE")); configPath != "" {
		cfg, err := configfile.Load(configPath)
		if err != nil {
			log.Fatalf("failed to load config file %s: %v", configPath, err)
		}
		applyConfig(coord, cfg, configPath)
		go func() {
			err := configfile.Watch(context.Background(), configPath, func(cfg configfile.Config) {
				applyConfig(coord, cfg, configPath)
			})
			if err != nil && err != context.Canceled {
				log.Printf("config watch stopped: %v", err)
			}
		}()
	}

	upstreamURL := strings.TrimSpace(os.Getenv("OPTIMIRROR_UPSTREAM_URL"))
	if upstreamURL == "" {
		log.Fatalf("OPTIMIRROR_UPSTREAM_URL is required")
	}
	upstreamToken := os.Getenv("OPTIMIRROR_UPSTREAM_TOKEN")
	remotes := optimirror.NewRemoteClient(optimirror.RemoteClientOptions{
		BaseURL: upstreamURL,
		TokenProvider: func(ctx context.Context) (string, error) {
			return upstreamToken, nil
		},
		UserAgent: "optimirror/1.0",
	})

	server := httpapi.NewServerWithConfig(coord, remotes, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("OPTIMIRROR_JWT_SECRET"),
		RateLimitMax:    intEnv("OPTIMIRROR_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("OPTIMIRROR_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("OPTIMIRROR_MAX_BODY_BYTES", 0),
	})

	log.Printf("optimirror listening on %s (upstream %s)", addr, upstreamURL)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func applyConfig(coord *optimirror.Coordinator, cfg configfile.Config, path string) {
	settings, err := cfg.Settings()
	if err != nil {
		log.Printf("config %s not applied: %v", path, err)
		return
	}
	coord.ApplySettings(settings)
	log.Printf("applied config from %s", path)
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func buildStateBackendFromEnv() (optimirror.StateBackend, error) {
	profileDSN, err := storageProfileDefaultFromEnv()
	if err != nil {
		return nil, err
	}
	stateBackendDSN := strings.TrimSpace(os.Getenv("OPTIMIRROR_STATE_BACKEND_DSN"))
	stateFile := strings.TrimSpace(os.Getenv("OPTIMIRROR_STATE_FILE"))
	switch {
	case stateBackendDSN != "":
		return optimirror.BuildStateBackendFromDSN(stateBackendDSN)
	case stateFile != "":
		return optimirror.BuildStateBackendFromDSN(stateFile)
	case profileDSN != "":
		return optimirror.BuildStateBackendFromDSN(profileDSN)
	default:
		return nil, nil
	}
}

func storageProfileDefaultFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("OPTIMIRROR_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("OPTIMIRROR_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".optimirror"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("OPTIMIRROR_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("OPTIMIRROR_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", fmt.Errorf("OPTIMIRROR_PRODUCTION_DSN or OPTIMIRROR_POSTGRES_DSN is required when OPTIMIRROR_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	default:
		return "", fmt.Errorf("unsupported OPTIMIRROR_BACKEND_PROFILE: %s", profile)
	}
}
