package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"hiprint/transit/internal/auth"
	configpkg "hiprint/transit/internal/config"
	grpcdir "hiprint/transit/internal/grpc"
	httpapi "hiprint/transit/internal/http"
	"hiprint/transit/internal/logging"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "hiprint-transit:", err)
		os.Exit(1)
	}
}

// flagBindings maps CLI flag names onto configuration keys.
var flagBindings = map[string]string{
	"host":      "host",
	"port":      "port",
	"token":     "token",
	"ssl":       "useSSL",
	"ssl-cert":  "sslCert",
	"ssl-key":   "sslKey",
	"lang":      "lang",
	"grpc-addr": "grpcAddr",
	"log-level": "logging.level",
	"log-dir":   "logging.dir",
}

func newApp() *cli.App {
	return &cli.App{
		Name:        "hiprint-transit",
		Version:     version,
		Usage:       "relay print jobs between web clients and print workers",
		Description: "Multi-tenant websocket relay for hiprint print clients",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "JSON config file",
				Aliases: []string{"c"},
				EnvVars: []string{"HIPRINT_CONFIG"},
				Value:   "",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the relay",
				Flags:  serveFlags(),
				Action: runServe,
			},
			{
				Name:   "config",
				Usage:  "Print the effective configuration",
				Flags:  serveFlags(),
				Action: runPrintConfig,
			},
			{
				Name:  "directory",
				Usage: "Export a tenant's printer directory from a running relay over gRPC",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Usage: "relay gRPC address", Value: "localhost:17522"},
					&cli.StringFlag{Name: "token", Usage: "tenant credential", Required: true},
					&cli.StringFlag{Name: "encoding", Usage: "json, gzip or snappy", Value: grpcdir.EncodingJSON},
					&cli.BoolFlag{Name: "tls", Usage: "dial the relay over TLS"},
				},
				Action: runDirectory,
			},
		},
	}
}

func serveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "host", Usage: "listen host"},
		&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "listen port (10000-65535)"},
		&cli.StringFlag{Name: "token", Aliases: []string{"t"}, Usage: "shared secret pattern, * matches any run of characters"},
		&cli.BoolFlag{Name: "ssl", Usage: "serve over TLS"},
		&cli.StringFlag{Name: "ssl-cert", Usage: "TLS certificate path"},
		&cli.StringFlag{Name: "ssl-key", Usage: "TLS key path"},
		&cli.StringFlag{Name: "lang", Usage: "UI language (en, zh)"},
		&cli.StringFlag{Name: "grpc-addr", Usage: "gRPC directory listen address, empty disables"},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		&cli.StringFlag{Name: "log-dir", Usage: "daily log file directory"},
	}
}

// loadConfig layers explicitly set CLI flags over the config file, environment and
// defaults.
func loadConfig(c *cli.Context) (*configpkg.Config, []string, error) {
	v := configpkg.NewViper()
	bindFlags(c, v)
	return configpkg.LoadWith(v, c.String("config"))
}

func bindFlags(c *cli.Context, v *viper.Viper) {
	for flag, key := range flagBindings {
		if c.IsSet(flag) {
			v.Set(key, c.Value(flag))
		}
	}
}

func runPrintConfig(c *cli.Context) error {
	cfg, warnings, err := loadConfig(c)
	for _, warning := range warnings {
		fmt.Fprintln(c.App.ErrWriter, "warning:", warning)
	}
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(c.App.Writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(cfg)
}

func runServe(c *cli.Context) error {
	cfg, warnings, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	logging.ReplaceGlobals(logger)
	defer func() {
		_ = logger.Sync()
	}()
	for _, warning := range warnings {
		logger.Warn(warning)
	}

	relay, err := NewRelay(cfg, WithLogger(logger))
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.Address())
	if err != nil {
		relay.setStartupError(err)
		return fmt.Errorf("listen %s: %w", cfg.Address(), err)
	}
	return serve(ctx, relay, listener)
}

// newHTTPHandler routes the websocket endpoint and the operational endpoints.
// 1.- Guard upgrades with the process-wide handshake limiter.
// 2.- Register health, metrics and directory handlers next to the websocket.
// 3.- Wrap everything with CORS and request tracing.
func newHTTPHandler(relay *Relay, handshakes *httpapi.HandshakeLimiter) (http.Handler, error) {
	gate, err := auth.NewGate(relay.cfg.Token)
	if err != nil {
		return nil, err
	}
	router := mux.NewRouter()
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:       relay.log,
		Readiness:    relay,
		Relay:        relay.metrics,
		InboundDrops: relay.inbound.Totals,
		Handshakes:   handshakes,
		Traffic:      relay.traffic,
		Directory:    relay.directory,
		Authenticate: gate.Authenticate,
		RateLimiter:  handshakes,
	})
	handlers.Register(router)

	websocketHandler := handshakes.Middleware(http.HandlerFunc(relay.serveWS))
	router.Handle("/ws", websocketHandler)
	router.Handle("/", websocketHandler)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: relay.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
		AllowedHeaders: []string{"Authorization", "X-Auth-Token", logging.TraceIDHeader},
		MaxAge:         600,
	}).Handler(router)
	return logging.HTTPTraceMiddleware(relay.log)(corsHandler), nil
}

// serve runs the HTTP listener, the optional gRPC directory and the refresh
// scheduler until ctx ends, then closes every session.
func serve(ctx context.Context, relay *Relay, listener net.Listener) error {
	cfg := relay.cfg
	logger := relay.log

	var cert certificateInfo
	if cfg.UseSSL {
		info, err := loadCertificateInfo(cfg.TLSCertPath)
		if err != nil {
			relay.setStartupError(err)
			_ = listener.Close()
			return err
		}
		cert = info
	}

	handshakes := httpapi.NewHandshakeLimiter(cfg.HandshakesPerSecond, cfg.HandshakeBurst)
	handler, err := newHTTPHandler(relay, handshakes)
	if err != nil {
		_ = listener.Close()
		return err
	}
	server := &http.Server{Handler: handler, ReadHeaderTimeout: readHeaderTimeout}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		if cfg.UseSSL {
			err = server.ServeTLS(listener, cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = server.Serve(listener)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		relay.setStartupError(err)
		return fmt.Errorf("http server: %w", err)
	})
	group.Go(func() error {
		return relay.Run(groupCtx)
	})
	if cfg.GRPCAddr != "" {
		directoryServer, err := newDirectoryServer(relay)
		if err != nil {
			_ = listener.Close()
			return err
		}
		grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			relay.setStartupError(err)
			_ = listener.Close()
			return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
		}
		group.Go(func() error {
			return directoryServer.Serve(groupCtx, grpcListener)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := relay.Close(shutdownCtx); err != nil {
			logger.Warn("sessions still open at shutdown", logging.Error(err))
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", logging.Error(err))
		}
		logger.Info("relay closed")
		return nil
	})

	logBanner(logger, cfg, listener.Addr(), cert)
	return group.Wait()
}

// logBanner reports where the relay can be reached.
func logBanner(logger *logging.Logger, cfg *configpkg.Config, addr net.Addr, cert certificateInfo) {
	port := cfg.Port
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = tcp.Port
	}
	var interfaces []net.Addr
	if !cfg.UseSSL {
		interfaces, _ = net.InterfaceAddrs()
	}
	logger.Info("hiprint transit relay started",
		logging.String("version", version),
		logging.String("listener", listenerURL(addr.String(), cfg.UseSSL)),
		logging.Strings("urls", advertisedURLs(port, cfg.UseSSL, cert, interfaces)),
		logging.String("token", cfg.Token),
		logging.String("lang", cfg.Lang),
		logging.Int64("max_payload_bytes", cfg.MaxPayloadBytes),
	)
	if cfg.UseSSL && cert.Expired(time.Now()) {
		logger.Warn("TLS certificate has expired", logging.String("not_after", cert.NotAfter.Format(time.RFC3339)))
	}
}

func runDirectory(c *cli.Context) error {
	transport := insecure.NewCredentials()
	if c.Bool("tls") {
		transport = credentials.NewClientTLSFromCert(nil, "")
	}
	conn, err := grpc.NewClient(c.String("addr"), grpc.WithTransportCredentials(transport))
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, tokenMetadataKey, c.String("token"))
	payload, err := grpcdir.NewDirectoryClient(conn).ExportDirectory(ctx, c.String("encoding"))
	if err != nil {
		return fmt.Errorf("export directory: %w", err)
	}
	_, err = c.App.Writer.Write(payload)
	return err
}
