// Copyright 2025 The SpectreProxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the process-wide gateway configuration. Values come
// from an optional YAML file overlaid by environment variables; the bag is
// immutable once loaded.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/goccy/go-yaml"
)

// Config is the flat configuration bag of the gateway.
type Config struct {
	// AuthToken is the shared secret required as the first path segment.
	AuthToken string `yaml:"auth_token"`
	// DefaultDstURL is the destination used when the path lacks a valid target.
	DefaultDstURL string `yaml:"default_dst_url"`
	// DebugMode enables debug-level log output.
	DebugMode bool `yaml:"debug_mode"`
	// ProxyStrategy names the transport used for inbound requests.
	ProxyStrategy string `yaml:"proxy_strategy"`
	// FallbackProxyStrategy names the transport re-run after a
	// restricted-network error from the socket strategy.
	FallbackProxyStrategy string `yaml:"fallback_proxy_strategy"`
	// Socks5Address locates the SOCKS5 server as "[user:pass@]host:port".
	Socks5Address string `yaml:"socks5_address"`
	// ThirdPartyProxyURL is the base URL receiving a "?target=" query.
	ThirdPartyProxyURL string `yaml:"third_party_proxy_url"`
	// CloudProviderURL has the same shape as ThirdPartyProxyURL.
	CloudProviderURL string `yaml:"cloud_provider_url"`

	DoHServerHostname string `yaml:"doh_server_hostname"`
	DoHServerPort     int    `yaml:"doh_server_port"`
	DoHServerPath     string `yaml:"doh_server_path"`
	DoTServerHostname string `yaml:"dot_server_hostname"`
	DoTServerPort     int    `yaml:"dot_server_port"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DefaultDstURL:         "https://example.com",
		ProxyStrategy:         "socket",
		FallbackProxyStrategy: "fetch",
		DoHServerHostname:     "dns.google",
		DoHServerPort:         443,
		DoHServerPath:         "/dns-query",
		DoTServerHostname:     "dns.google",
		DoTServerPort:         853,
	}
}

// FromEnv overlays cfg with the values of the configuration environment
// variables looked up through getenv. Unset (empty) variables keep the
// current value. Pass [os.Getenv] outside of tests.
func FromEnv(cfg Config, getenv func(string) string) (Config, error) {
	setString := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&cfg.AuthToken, "AUTH_TOKEN")
	setString(&cfg.DefaultDstURL, "DEFAULT_DST_URL")
	setString(&cfg.ProxyStrategy, "PROXY_STRATEGY")
	setString(&cfg.FallbackProxyStrategy, "FALLBACK_PROXY_STRATEGY")
	setString(&cfg.Socks5Address, "SOCKS5_ADDRESS")
	setString(&cfg.ThirdPartyProxyURL, "THIRD_PARTY_PROXY_URL")
	setString(&cfg.CloudProviderURL, "CLOUD_PROVIDER_URL")
	setString(&cfg.DoHServerHostname, "DOH_SERVER_HOSTNAME")
	setString(&cfg.DoHServerPath, "DOH_SERVER_PATH")
	setString(&cfg.DoTServerHostname, "DOT_SERVER_HOSTNAME")

	if v := getenv("DEBUG_MODE"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid DEBUG_MODE %q: %w", v, err)
		}
		cfg.DebugMode = debug
	}
	setPort := func(dst *int, key string) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = int(port)
		return nil
	}
	if err := setPort(&cfg.DoHServerPort, "DOH_SERVER_PORT"); err != nil {
		return cfg, err
	}
	if err := setPort(&cfg.DoTServerPort, "DOT_SERVER_PORT"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Load builds the configuration: defaults, then the YAML file at path if
// path is not empty, then the environment.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	return FromEnv(cfg, getenv)
}
