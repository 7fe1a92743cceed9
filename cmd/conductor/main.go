// Command conductor runs realtime event sessions for one or more
// applications on top of the pub/sub relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/agent-racer/conductor/internal/admin"
	"github.com/agent-racer/conductor/internal/backend"
	"github.com/agent-racer/conductor/internal/config"
	"github.com/agent-racer/conductor/internal/connection"
	"github.com/agent-racer/conductor/internal/frontend"
	"github.com/agent-racer/conductor/internal/health"
	"github.com/agent-racer/conductor/internal/hub"
	"github.com/agent-racer/conductor/internal/logging"
	"github.com/agent-racer/conductor/internal/logic"
	lualogic "github.com/agent-racer/conductor/internal/logic/lua"
	"github.com/agent-racer/conductor/internal/session"
	"github.com/agent-racer/conductor/internal/simulate"
	"github.com/agent-racer/conductor/internal/store"
	"github.com/agent-racer/conductor/internal/store/sqlite"
	"github.com/agent-racer/conductor/internal/supervisor"
	"github.com/agent-racer/conductor/internal/telemetry"
	"github.com/agent-racer/conductor/internal/transport"
	"github.com/agent-racer/conductor/internal/wsclient"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	simulateMode := flag.Bool("simulate", false, "Run simulated sessions against an in-memory backend")
	mint := flag.String("mint-token", "", "Print a hub token for this client id and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	if *mint != "" {
		token, err := hub.MintToken([]byte(cfg.Hub.Secret), *mint, nil, 24*time.Hour)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mint token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, os.Stderr, cfg.Telemetry.Endpoint != "")
	slog.SetDefault(logger)

	err = run(ctx, cfg, *simulateMode, logger)
	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := shutdown(flushCtx); serr != nil {
		logger.Warn("telemetry shutdown", "error", serr)
	}
	if err != nil {
		logger.Error("conductor stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, simulateMode bool, logger *slog.Logger) error {
	snapshots, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer snapshots.Close()

	broker := hub.NewBroker(hub.WithHistoryLimit(cfg.Hub.HistoryLimit), hub.WithLogger(logger.With("component", "hub")))
	connect := func(clientID string) transport.Conn {
		if cfg.Transport.URL == "" {
			return broker.Connect(clientID)
		}
		return wsclient.New(wsclient.Config{
			URL:      cfg.Transport.URL,
			Token:    clientToken(cfg, clientID),
			ClientID: clientID,
			Logger:   logger.With("component", "wsclient", "client", clientID),
		})
	}

	var be supervisor.Backend
	var gen *simulate.Generator
	apps := cfg.Apps
	if simulateMode {
		sim := simulate.NewBackend()
		gen = simulate.NewGenerator(simulate.Config{
			Backend: sim,
			Connect: connect,
			Logger:  logger.With("component", "simulate"),
		})
		gen.Register()
		for _, app := range apps {
			sim.AddApp(backend.App{ID: app.ID, ZoneID: "sim", Hosted: true})
		}
		if !hasApp(apps, simulate.DemoApp) {
			apps = append(apps, config.AppConfig{ID: simulate.DemoApp})
		}
		be = sim
	} else {
		if cfg.Backend.URL == "" {
			return errors.New("backend.url is required unless -simulate is set")
		}
		be = backend.New(cfg.Backend.URL, cfg.Backend.Token, cfg.Backend.Timeout)
	}

	board := session.NewStore()
	privacy := &session.PrivacyFilter{
		MaskUserIDs:     cfg.Privacy.MaskUserIDs,
		MaskEventIDs:    cfg.Privacy.MaskEventIDs,
		MaskGeoLocation: cfg.Privacy.MaskGeoLocation,
		AllowedApps:     cfg.Privacy.AllowedApps,
		BlockedApps:     cfg.Privacy.BlockedApps,
	}
	broadcaster := admin.NewBroadcaster(board, privacy, cfg.Admin.BroadcastThrottle, cfg.Admin.SnapshotInterval, cfg.Admin.MaxClients, logger.With("component", "admin"))
	defer broadcaster.Stop()

	var sups []*supervisor.Supervisor
	var controls []admin.App
	for _, app := range apps {
		factory, err := loadLogic(app, logger)
		if err != nil {
			return err
		}
		conn := connection.New(connect(cfg.Transport.ClientID+"-"+app.ID), cfg.Connection, logger.With("app", app.ID))
		sup := supervisor.New(supervisor.Config{
			AppID:           app.ID,
			Backend:         be,
			Connection:      conn,
			Store:           snapshots,
			Logic:           factory,
			Sessions:        board,
			Notifier:        broadcaster,
			Timeouts:        cfg.Timeouts,
			Thresholds:      cfg.Participants,
			LeavePolicy:     cfg.LeavePolicy,
			RetryStep:       cfg.Supervisor.RetryStep,
			RetrySteps:      cfg.Supervisor.RetrySteps,
			HealthThreshold: cfg.Supervisor.HealthThreshold,
			Logger:          logger,
		})
		sups = append(sups, sup)
		controls = append(controls, sup)
	}

	mux := http.NewServeMux()
	if cfg.Hub.Enabled {
		hub.NewServer(broker, hub.ServerConfig{
			Secret:         []byte(cfg.Hub.Secret),
			AllowedOrigins: cfg.Hub.AllowedOrigins,
			MaxConns:       cfg.Hub.MaxConnections,
		}, logger.With("component", "hub")).SetupRoutes(mux)
	}
	admin.NewServer(board, broadcaster, controls, admin.Config{
		AuthToken:      cfg.Admin.AuthToken,
		AllowedOrigins: cfg.Admin.AllowedOrigins,
		Process: func(r *http.Request) (health.ProcessStats, error) {
			return health.Process(r.Context())
		},
	}, logger.With("component", "admin")).SetupRoutes(mux)
	if cfg.Admin.Dashboard {
		mux.Handle("GET /dashboard/", http.StripPrefix("/dashboard", frontend.Handler()))
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           otelhttp.NewHandler(mux, "conductor"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", srv.Addr, "hub", cfg.Hub.Enabled, "apps", len(sups))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	for _, sup := range sups {
		g.Go(func() error {
			if err := sup.Run(gctx); err != nil {
				return fmt.Errorf("app %s: %w", sup.AppID(), err)
			}
			return nil
		})
	}
	if gen != nil {
		g.Go(func() error {
			logger.Info("starting in simulate mode")
			return gen.Run(gctx)
		})
	}
	return g.Wait()
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	if cfg.Driver == "sqlite" {
		s, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return s, nil
	}
	return store.NewMemory(), nil
}

func loadLogic(app config.AppConfig, logger *slog.Logger) (logic.Factory, error) {
	var (
		f   *lualogic.Factory
		err error
	)
	if app.Script == "" && app.ID == simulate.DemoApp {
		f, err = lualogic.New("demo.lua", simulate.DemoScript, logger)
	} else {
		f, err = lualogic.Load(app.Script, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("app %s: %w", app.ID, err)
	}
	return f, nil
}

// clientToken is the configured relay token, or one minted from the hub
// secret when only the secret is configured.
func clientToken(cfg *config.Config, clientID string) string {
	if cfg.Transport.Token != "" || cfg.Hub.Secret == "" {
		return cfg.Transport.Token
	}
	token, err := hub.MintToken([]byte(cfg.Hub.Secret), clientID, nil, 0)
	if err != nil {
		return ""
	}
	return token
}

func hasApp(apps []config.AppConfig, id string) bool {
	for _, a := range apps {
		if a.ID == id {
			return true
		}
	}
	return false
}
