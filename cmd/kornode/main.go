package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/fleetkor/fleetkor/internal/admin"
	"github.com/fleetkor/fleetkor/internal/clock"
	"github.com/fleetkor/fleetkor/internal/config"
	"github.com/fleetkor/fleetkor/internal/field"
	"github.com/fleetkor/fleetkor/internal/node"
	"github.com/fleetkor/fleetkor/internal/observability"
	"github.com/fleetkor/fleetkor/internal/transport"
)

func main() {
	configPath := flag.String("config", "cmd/kornode/config.toml", "path to the node config")
	template := flag.Bool("template", false, "write a config template to -config and exit")
	force := flag.Bool("force", false, "overwrite an existing file with -template")
	flag.Parse()

	observability.InitLogger("kornode")

	if *template {
		if err := config.WriteTemplate(*configPath, "node", *force); err != nil {
			log.Fatal().Err(err).Msg("template write failed")
		}
		log.Info().Str("path", *configPath).Msg("wrote node config template")
		return
	}

	cfg, err := config.LoadNodeConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load node config")
	}
	log.Info().Str("path", *configPath).Msg("loaded node config")

	authn, err := config.Authenticator(cfg.Auth)
	if err != nil {
		log.Fatal().Err(err).Msg("bad auth config")
	}

	udpCfg, err := config.UDPConfig(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("bad transport config")
	}
	bus, err := transport.NewUDP(udpCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open bus")
	}
	defer bus.Close()

	nodeCfg, err := config.NodeConfig(cfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("bad node config")
	}
	clk := clock.NewMonotonic()
	n, err := node.New(nodeCfg, clk, bus, authn)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build node")
	}
	if err := registerTasks(n, cfg); err != nil {
		log.Fatal().Err(err).Msg("bad task config")
	}

	if err := n.Start(clk.NowMicros()); err != nil {
		log.Fatal().Err(err).Msg("failed to start node")
	}
	log.Info().
		Uint8("id", cfg.Node.ID).
		Str("name", n.Name()).
		Str("listen", cfg.Transport.Listen).
		Int("peers", len(udpCfg.Peers)).
		Msg("node started")

	srv := admin.New(n, cfg.Admin.Addr, cfg.Admin.CorsOrigins)
	go func() {
		if err := srv.Serve(); err != nil {
			log.Fatal().Err(err).Msg("admin server stopped")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("node stopped")
	}
	n.Stop()
	log.Info().Msg("node shut down")
}

// registerTasks adds the configured tasks and marks them ready. The
// daemon's task bodies only report their runs; real workloads attach
// through the node API when fleetkor is embedded as a library.
func registerTasks(n *node.Node, cfg config.NodeFileConfig) error {
	requires, err := config.TaskRequirements(cfg)
	if err != nil {
		return err
	}
	for i, tc := range cfg.Tasks {
		name := tc.Name
		id, err := n.AddTask(name, func(now uint64, g field.GradientVec) {
			log.Debug().
				Str("task", name).
				Uint64("now", now).
				Float64("load_gradient", g[field.Load].Float64()).
				Msg("task ran")
		}, tc.Priority, tc.PeriodMicros)
		if err != nil {
			return err
		}
		if err := n.SetTaskCapabilities(id, requires[i]); err != nil {
			return err
		}
		if err := n.TaskReady(id); err != nil {
			return err
		}
	}
	return nil
}
