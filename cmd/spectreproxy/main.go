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

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"github.com/wizos/SpectreProxy/config"
	"github.com/wizos/SpectreProxy/gateway"
)

func main() {
	listenFlag := flag.String("listen", "localhost:8080", "Local address to listen on")
	configFlag := flag.String("config", "", "Optional YAML config file; environment variables override it")
	flag.Parse()

	cfg, err := config.Load(*configFlag, os.Getenv)
	if err != nil {
		log.Fatalf("Could not load configuration: %v", err)
	}

	var logLevel slog.LevelVar
	if cfg.DebugMode {
		logLevel.Set(slog.LevelDebug)
	}
	slog.SetDefault(slog.New(tint.NewHandler(
		os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd())), Level: &logLevel})))

	if _, err := url.Parse(cfg.DefaultDstURL); err != nil {
		log.Fatalf("Invalid DEFAULT_DST_URL: %v", err)
	}
	if _, err := gateway.ParseStrategy(cfg.ProxyStrategy); err != nil {
		log.Fatalf("Invalid PROXY_STRATEGY: %v", err)
	}
	if _, err := gateway.ParseStrategy(cfg.FallbackProxyStrategy); err != nil {
		log.Fatalf("Invalid FALLBACK_PROXY_STRATEGY: %v", err)
	}

	server := &http.Server{
		Addr:    *listenFlag,
		Handler: gateway.NewHandler(cfg),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	slog.Info("Gateway listening", "address", *listenFlag, "strategy", cfg.ProxyStrategy)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed: %v", err)
	}
	slog.Info("Gateway stopped")
}
