// Package config loads the netmon YAML configuration file used by the
// command line tool and applies NETMON_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/netmonhq/netmon-go"
)

var (
	ErrFileNotFound = errors.New("netmon: configuration file not found")
	ErrInvalidYAML  = errors.New("netmon: invalid YAML")
)

// File mirrors netmon.Options with YAML friendly names and units.
type File struct {
	UploadEndpoint        string   `yaml:"uploadEndpoint"`
	SocketEndpoint        string   `yaml:"socketEndpoint"`
	APIKey                string   `yaml:"apiKey"`
	UploadIntervalMinutes float64  `yaml:"uploadIntervalMinutes"`
	UploadPageSize        int      `yaml:"uploadPageSize"`
	CompressUploads       bool     `yaml:"compressUploads"`
	AWSRegion             string   `yaml:"awsRegion"`
	RetentionDays         int      `yaml:"retentionDays"`
	EnableRealtimeUpload  bool     `yaml:"enableRealtimeUpload"`
	MaxRequestBodySize    int64    `yaml:"maxRequestBodySize"`
	MaxResponseBodySize   int64    `yaml:"maxResponseBodySize"`
	IncludeURLPatterns    []string `yaml:"includeUrlPatterns"`
	ExcludeURLPatterns    []string `yaml:"excludeUrlPatterns"`
	RedactHeaders         []string `yaml:"redactHeaders"`
	Enabled               *bool    `yaml:"enabled"`
	DatabasePath          string   `yaml:"databasePath"`
	LogLevel              string   `yaml:"logLevel"`
}

// Load reads path, or starts from an empty configuration when path is
// empty, then applies environment overrides.
func Load(path string) (*File, error) {
	f := &File{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
			}
			return nil, fmt.Errorf("netmon: reading config: %w", err)
		}
		if f, err = Parse(data); err != nil {
			return nil, fmt.Errorf("%w (%s)", err, path)
		}
	}
	f.applyEnv(os.LookupEnv)
	return f, nil
}

// Parse decodes a YAML document. Unknown keys are rejected so typos do not
// silently fall back to defaults.
func Parse(data []byte) (*File, error) {
	f := &File{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	if f.UploadIntervalMinutes < 0 {
		return nil, fmt.Errorf("%w: uploadIntervalMinutes must not be negative", ErrInvalidYAML)
	}
	return f, nil
}

// applyEnv lets NETMON_* variables win over the file.
func (f *File) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("NETMON_UPLOAD_ENDPOINT", &f.UploadEndpoint)
	str("NETMON_SOCKET_ENDPOINT", &f.SocketEndpoint)
	str("NETMON_API_KEY", &f.APIKey)
	str("NETMON_DATABASE_PATH", &f.DatabasePath)
	str("NETMON_LOG_LEVEL", &f.LogLevel)

	if v, ok := lookup("NETMON_REALTIME"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			f.EnableRealtimeUpload = b
		}
	}
	if v, ok := lookup("NETMON_DISABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			enabled := !b
			f.Enabled = &enabled
		}
	}
}

// UploadInterval converts uploadIntervalMinutes, zero meaning the default.
func (f *File) UploadInterval() time.Duration {
	return time.Duration(f.UploadIntervalMinutes * float64(time.Minute))
}

// Options converts the file into service options.
func (f *File) Options() *netmon.Options {
	o := &netmon.Options{
		UploadEndpoint:       f.UploadEndpoint,
		SocketEndpoint:       f.SocketEndpoint,
		APIKey:               f.APIKey,
		UploadInterval:       f.UploadInterval(),
		UploadPageSize:       f.UploadPageSize,
		CompressUploads:      f.CompressUploads,
		AWSRegion:            f.AWSRegion,
		EnableRealtimeUpload: f.EnableRealtimeUpload,
		MaxRequestBodySize:   f.MaxRequestBodySize,
		MaxResponseBodySize:  f.MaxResponseBodySize,
		IncludeURLPatterns:   f.IncludeURLPatterns,
		ExcludeURLPatterns:   f.ExcludeURLPatterns,
		RedactHeaders:        f.RedactHeaders,
		DatabasePath:         f.DatabasePath,
		LogLevel:             strings.ToLower(f.LogLevel),
	}
	if f.Enabled != nil {
		o.Disabled = !*f.Enabled
	}
	switch {
	case f.RetentionDays > 0:
		o.Retention = time.Duration(f.RetentionDays) * 24 * time.Hour
	case f.RetentionDays < 0:
		o.Retention = -1
	}
	return o
}
