package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/spf13/cobra"
	"github.com/talkincode/wagate/config"
	"github.com/talkincode/wagate/internal/adminapi"
	"github.com/talkincode/wagate/internal/app"
	"github.com/talkincode/wagate/internal/realtime"
	"github.com/talkincode/wagate/internal/webserver"
	"github.com/talkincode/wagate/internal/whatsapp"
	"go.uber.org/zap"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version   = "dev"
	buildTime = "unknown"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "wagate",
		Short:         "Multi-tenant WhatsApp gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")
	rootCmd.AddCommand(newServeCommand(), newInitDBCommand(), newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE:  runServe,
	}
}

func newInitDBCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "initdb",
		Short: "Drop and recreate all tables, then seed default settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := bootstrap()
			if err != nil {
				return err
			}
			defer application.Release()
			application.InitDb()
			fmt.Println("database initialized")
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("wagate %s (built %s)\n", version, buildTime)
		},
	}
}

func bootstrap() (*app.Application, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	application := app.NewApplication(cfg)
	if err := application.Init(cfg); err != nil {
		return nil, err
	}
	return application, nil
}

func handleFactory(cfg config.WhatsappConfig) (whatsapp.HandleFactory, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "whatsmeow":
		return whatsapp.NewMeowHandle, nil
	case "simulated":
		return whatsapp.NewSimulatedFactory(cfg.SimulatedReadyDelay), nil
	default:
		return nil, fmt.Errorf("unknown whatsapp driver %q", cfg.Driver)
	}
}

func originChecker(allowed []string) func(string) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return nil
		}
		set[o] = true
	}
	return func(origin string) bool { return set[origin] }
}

func runServe(cmd *cobra.Command, _ []string) error {
	application, err := bootstrap()
	if err != nil {
		return err
	}
	defer application.Release()
	cfg := application.Config()

	factory, err := handleFactory(cfg.Whatsapp)
	if err != nil {
		return err
	}

	bus := EventBus.New()
	sinks := whatsapp.Fanout{whatsapp.NewBusNotifier(bus)}
	if cfg.Whatsapp.BackendURL != "" {
		fwd, err := whatsapp.NewForwarder(cfg.Whatsapp.BackendURL, cfg.Whatsapp.BackendToken,
			cfg.Whatsapp.ForwardTimeout, cfg.Whatsapp.ForwardWorkers)
		if err != nil {
			return err
		}
		defer fwd.Close()
		sinks = append(sinks, fwd)
		zap.L().Info("whatsapp: forwarding lifecycle events", zap.String("backend", cfg.Whatsapp.BackendURL))
	}

	mgr := whatsapp.NewManager(whatsapp.NewStore(), factory, whatsapp.Options{
		SessionDir:       cfg.GetSessionDir(),
		ProcessTagPrefix: cfg.Whatsapp.ProcessTag,
		InitTimeout:      cfg.Whatsapp.InitTimeout,
		PrintQR:          cfg.Whatsapp.PrintQR,
		CountryCode: func() string {
			return application.GetSettingsStringValue("whatsapp", "DefaultCountryCode")
		},
		VerifyRecipient: func() bool {
			return application.GetSettingsBoolValue("whatsapp", "VerifyRecipient")
		},
	},
		whatsapp.WithNotifier(sinks),
		whatsapp.WithReaper(whatsapp.NewProcessReaper()),
		whatsapp.WithJournal(app.NewSessionJournal(application)),
	)

	hub := realtime.NewHub(bus, mgr, originChecker(cfg.Web.AllowedOrigins))
	srv := webserver.Init(cfg)
	adminapi.Init(adminapi.Deps{App: application, Manager: mgr, Hub: hub})

	mgr.Restore(context.Background())
	err = application.AddGaugeJob("@every 30s", adminapi.MetricConnectedSessions, func() int64 {
		return int64(mgr.ConnectedCount())
	})
	if err != nil {
		zap.L().Warn("app: connected sessions gauge not scheduled", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		zap.L().Info("wagate: shutting down", zap.String("signal", s.String()))
	case err := <-errCh:
		if err != nil {
			zap.L().Error("webserver: stopped", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zap.L().Warn("webserver: shutdown", zap.Error(err))
	}
	if err := mgr.Shutdown(ctx); err != nil {
		zap.L().Warn("whatsapp: shutdown", zap.Error(err))
	}
	return nil
}
