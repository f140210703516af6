package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"collabtext/collabd/internal/codetools"
	"collabtext/collabd/internal/config"
	"collabtext/collabd/internal/discovery"
	"collabtext/collabd/internal/event"
	"collabtext/collabd/internal/logging"
	"collabtext/collabd/internal/metrics"
	"collabtext/collabd/internal/mirror"
	"collabtext/collabd/internal/room"
	"collabtext/collabd/internal/sandbox"
	"collabtext/collabd/internal/server"
	"collabtext/collabd/internal/storage"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the room coordinator",
	Long: `Run the coordinator. Editors connect to /ws/editor/{roomID}; /healthz,
/metrics and /api/rooms are served on the same address.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serveRun(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", ":8081", "Address to listen on")
	serveCmd.Flags().String("storage", "fs", "Storage driver: fs, postgres or sqlite")
	serveCmd.Flags().Bool("docker", false, "Run code inside docker containers")
	serveCmd.Flags().Bool("redis", false, "Mirror room deltas to redis")
	serveCmd.Flags().Bool("mdns", false, "Advertise the coordinator over mDNS")
	_ = viper.BindPFlag("listen_addr", serveCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("storage.driver", serveCmd.Flags().Lookup("storage"))
	_ = viper.BindPFlag("sandbox.docker", serveCmd.Flags().Lookup("docker"))
	_ = viper.BindPFlag("redis.enabled", serveCmd.Flags().Lookup("redis"))
	_ = viper.BindPFlag("discovery.enabled", serveCmd.Flags().Lookup("mdns"))
}

// serveRun runs until ctx is done, then drains rooms and closes the
// collaborators in reverse order.
func serveRun(ctx context.Context, cfg config.Config) error {
	logging.Init(cfg.LoggingConfig())
	log := logging.Component("serve")

	files, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer files.Close()
	ui.VerboseLog("storage driver: %s", cfg.Storage.Driver)

	// Background workers outlive ctx so that shutdown events still reach
	// the mirror.
	bg, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	bus := event.NewBus()
	defer bus.Close()

	if cfg.Redis.Enabled {
		rdb, err := mirror.Connect(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		events, err := bus.Subscribe(bg, 1024)
		if err != nil {
			return err
		}
		go mirror.New(rdb, logging.Logger).Run(bg, events)
		ui.Info("mirroring room deltas to redis at %s", cfg.Redis.Addr)
	}

	m := metrics.New()
	exec := sandbox.New(cfg.Sandbox, logging.Logger)
	coord := room.New(cfg.RoomConfig(), room.Deps{
		Files:    files,
		Launcher: exec,
		Executor: exec,
		Tools:    codetools.New(cfg.Tools),
		Events:   bus,
		Metrics:  m,
		Logger:   logging.Logger,
	})
	go coord.Run(bg, cfg.Session.IdleTimeout)

	srv := server.New(cfg.ServerConfig(), coord, m, logging.Logger)
	l, err := net.Listen("tcp", cfg.ServerConfig().Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ServerConfig().Addr, err)
	}

	if cfg.Discovery.Enabled {
		port := l.Addr().(*net.TCPAddr).Port
		adv, err := discovery.Advertise(cfg.Discovery, port, buildVersion)
		if err != nil {
			ui.Warning("mDNS advertisement failed: %v", err)
		} else {
			defer adv.Shutdown()
			ui.Info("advertising %s on mDNS", adv.Instance())
			go func() {
				if err := discovery.Browse(bg, cfg.Discovery, logging.Component("discovery"), nil); err != nil {
					log.Warn().Err(err).Msg("mDNS browse stopped")
				}
			}()
		}
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(l) }()
	ui.Success("collabd %s listening on %s", buildVersion, l.Addr())

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	ui.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := coord.Shutdown(sctx); err != nil {
		return fmt.Errorf("drain rooms: %w", err)
	}
	ui.Success("all rooms flushed")
	return nil
}
