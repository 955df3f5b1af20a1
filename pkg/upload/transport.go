package upload

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// TransportConfig selects and configures a Transport.
type TransportConfig struct {
	// Endpoint is an http(s) URL or "s3://bucket/prefix".
	Endpoint string
	APIKey   string
	Client   *http.Client
	Compress bool
	// Region overrides the AWS region for S3 endpoints.
	Region string
}

// NewTransport returns the transport matching cfg.Endpoint's scheme.
func NewTransport(ctx context.Context, cfg TransportConfig) (Transport, error) {
	if strings.HasPrefix(cfg.Endpoint, "s3://") {
		return NewS3Transport(ctx, cfg.Endpoint, cfg.Region)
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, fmt.Errorf("netmon: invalid upload endpoint %q", cfg.Endpoint)
	}
	return &HTTPTransport{
		Endpoint: cfg.Endpoint,
		APIKey:   cfg.APIKey,
		Client:   cfg.Client,
		Compress: cfg.Compress,
	}, nil
}
