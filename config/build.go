package config

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/poiesic/stagehand/asyncjob/httpjob"
	"github.com/poiesic/stagehand/stage"
	"github.com/poiesic/stagehand/stage/httpstage"
)

// BuildRegistry creates a stage registry from the catalogue. Stages without
// their own timeout or cache TTL get the configured defaults.
func (c *Config) BuildRegistry(client *http.Client, logger *slog.Logger) (*stage.Registry, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	registry := stage.NewRegistry()
	for _, s := range c.Stages {
		def := stage.Definition{
			Name:         s.Name,
			Timeout:      s.Timeout.Duration(),
			CacheTTL:     s.CacheTTL.Duration(),
			BreakerScope: s.BreakerScope,
			MaxAttempts:  s.MaxAttempts,
			ChunkSize:    s.ChunkSize,
		}
		if def.Timeout == 0 {
			def.Timeout = c.Defaults.Timeout.Duration()
		}
		if def.CacheTTL == 0 {
			def.CacheTTL = c.Defaults.CacheTTL.Duration()
		}
		if def.MaxAttempts == 0 {
			def.MaxAttempts = c.Retry.MaxAttempts
		}

		switch s.Kind {
		case KindHTTP:
			opts := []httpstage.Option{httpstage.WithClient(client), httpstage.WithLogger(logger)}
			if s.Method != "" {
				opts = append(opts, httpstage.WithMethod(s.Method))
			}
			for k, v := range s.Headers {
				opts = append(opts, httpstage.WithHeader(k, v))
			}
			logic, err := httpstage.New(s.URL, opts...)
			if err != nil {
				return nil, fmt.Errorf("stage %s: %w", s.Name, err)
			}
			def.Logic = logic
		case KindHTTPAsync:
			statusURL := s.StatusURL
			if statusURL == "" {
				statusURL = s.URL
			}
			opts := []httpjob.Option{httpjob.WithClient(client), httpjob.WithLogger(logger)}
			for k, v := range s.Headers {
				opts = append(opts, httpjob.WithHeader(k, v))
			}
			provider, err := httpjob.New(s.URL, statusURL, opts...)
			if err != nil {
				return nil, fmt.Errorf("stage %s: %w", s.Name, err)
			}
			def.Provider = provider
		}
		if err := registry.Register(def); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
