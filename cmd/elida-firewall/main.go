package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"elida/internal/api"
	"elida/internal/audit"
	"elida/internal/classifier"
	"elida/internal/config"
	"elida/internal/detector"
	"elida/internal/policy"
	"elida/internal/proxy"
	"elida/internal/telemetry"
	"elida/internal/token"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "configs/elida-firewall.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("starting elida-firewall",
		"version", version,
		"listen", cfg.Listen,
		"control_listen", cfg.ControlListen,
		"token_backend", cfg.TokenBackend,
		"proxy_enabled", cfg.ProxyEnabled,
	)

	doc, err := policy.LoadDocument(cfg.PolicyPath)
	if err != nil {
		slog.Error("failed to load policy document", "error", err)
		os.Exit(1)
	}

	gen, err := token.NewGenerator(cfg.Salt)
	if err != nil {
		slog.Error("failed to initialize token generator", "error", err)
		os.Exit(1)
	}

	var store token.Store
	switch cfg.TokenBackend {
	case "remote":
		saltHash := sha256.Sum256(cfg.Salt)
		remoteStore, err := token.NewRemoteStore(token.RemoteConfig{
			Addr:                 cfg.RemoteURL,
			EncryptionPassphrase: cfg.EncryptionKey,
			PBKDF2Salt:           saltHash[:16],
		})
		if err != nil {
			slog.Error("failed to connect to remote token store", "error", err)
			os.Exit(1)
		}
		store = remoteStore
		slog.Info("using remote token store", "addr", cfg.RemoteURL)
	default:
		mem := token.NewMemoryStore()
		store = mem
		slog.Info("using in-memory token store")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if sweeper, ok := store.(*token.MemoryStore); ok {
		go sweeper.Run(ctx, token.DefaultTTL)
	}

	det := detector.New(detector.DefaultConfig())
	cls := classifier.New(classifier.DefaultConfig())
	engine := policy.NewEngine(doc)
	pipeline := token.NewPipeline(det, cls, engine, store, gen, token.DefaultTTL)

	if dir := filepath.Dir(cfg.AuditPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("failed to create audit log directory", "error", err, "path", dir)
			os.Exit(1)
		}
	}
	localLog, err := audit.OpenLocalLog(cfg.AuditPath)
	if err != nil {
		slog.Error("failed to open audit log", "error", err)
		os.Exit(1)
	}
	auditStore, err := audit.NewStore(cfg.AuditPath + ".db")
	if err != nil {
		slog.Error("failed to open audit index", "error", err)
		os.Exit(1)
	}

	var queue *audit.Queue
	siemEnabled := cfg.SIEM.Type != "" && cfg.SIEM.Type != "none"
	if siemEnabled {
		shipper := buildShipper(cfg.SIEM)
		queue = audit.NewQueue(shipper, func(count int64) {
			if err := auditStore.RecordDropped(count, "siem queue full"); err != nil {
				slog.Error("failed to record dropped-audit counter", "error", err)
			}
		})
		go queue.Run(ctx)
		slog.Info("SIEM shipping enabled", "type", cfg.SIEM.Type)
	}

	auditor := audit.NewPipeline(localLog, auditStore, queue)

	proxyUpstreams := proxy.UpstreamConfig{
		OpenAIURL:    cfg.Upstreams.OpenAIURL,
		AnthropicURL: cfg.Upstreams.AnthropicURL,
		GoogleURL:    cfg.Upstreams.GoogleURL,
	}
	px := proxy.New(pipeline, doc, proxyUpstreams, auditor, cfg.MaxPayloadBytes, cfg.DefaultRegion)

	telemetryCfg := telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
	}
	tracer, err := telemetry.NewProvider(telemetryCfg)
	if err != nil {
		slog.Error("failed to initialize telemetry provider", "error", err)
		os.Exit(1)
	}
	px.Tracer = tracer

	controlHandler := api.New(det, cls, engine, doc, pipeline, auditor, version, cfg.TokenBackend, siemEnabled)

	errChan := make(chan error, 2)

	var proxyServer *http.Server
	if cfg.ProxyEnabled {
		proxyMux := http.NewServeMux()
		proxyMux.HandleFunc("/v1/chat/completions", px.Handler("openai"))
		proxyMux.HandleFunc("/v1/messages", px.Handler("anthropic"))
		proxyMux.HandleFunc("/v1/models/", px.Handler("google"))
		proxyMux.HandleFunc("/v1beta/models/", px.Handler("google"))

		proxyServer = &http.Server{
			Addr:         cfg.Listen,
			Handler:      proxyMux,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // disabled for streaming
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			slog.Info("proxy server starting", "addr", cfg.Listen)
			if err := proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("proxy server error: %w", err)
			}
		}()
	}

	controlServer := &http.Server{
		Addr:         cfg.ControlListen,
		Handler:      controlHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		slog.Info("control server starting", "addr", cfg.ControlListen)
		if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("control server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if proxyServer != nil {
		if err := proxyServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("proxy server shutdown error", "error", err)
		}
	}
	if err := controlServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("control server shutdown error", "error", err)
	}
	if err := auditor.Close(); err != nil {
		slog.Error("audit pipeline close error", "error", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown error", "error", err)
	}

	slog.Info("elida-firewall stopped")
}

func buildShipper(cfg config.SIEMConfig) audit.Shipper {
	switch cfg.Type {
	case "splunk":
		return audit.NewSplunkShipper(cfg.Splunk.URL, cfg.Splunk.Token, cfg.Splunk.Index)
	case "elasticsearch":
		return audit.NewElasticsearchShipper(cfg.Elasticsearch.URL, cfg.Elasticsearch.Index, cfg.Elasticsearch.APIKey)
	case "datadog":
		return audit.NewDatadogShipper(cfg.Datadog.URL, cfg.Datadog.APIKey, cfg.Datadog.Service)
	case "syslog":
		return audit.NewSyslogShipper(cfg.Syslog.Addr, cfg.Syslog.App)
	default:
		return nil
	}
}
