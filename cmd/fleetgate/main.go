package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mvallis/fleetgate/internal/config"
	"github.com/mvallis/fleetgate/internal/container"
	"github.com/mvallis/fleetgate/internal/depgraph"
	"github.com/mvallis/fleetgate/internal/discovery"
	"github.com/mvallis/fleetgate/internal/fleet"
	"github.com/mvallis/fleetgate/internal/missionindex"
	"github.com/mvallis/fleetgate/internal/natsbus"
	"github.com/mvallis/fleetgate/internal/notify"
	"github.com/mvallis/fleetgate/internal/orchestrator"
	"github.com/mvallis/fleetgate/internal/poolapi"
	"github.com/mvallis/fleetgate/internal/store"
	"github.com/mvallis/fleetgate/internal/vault"
	"github.com/mvallis/fleetgate/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("fleetgate %s\n", version)
	case "gateway":
		if err := runGateway(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	case "seal":
		if err := runSeal(os.Args[2:]); err != nil {
			slog.Error("seal failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: fleetgate <command>

Commands:
  gateway              Start the fleet gateway service
  backup <file>        Archive the data directory to <file> (tar.zst)
  restore <file>       Restore a backup archive into the current directory
  seal <value>         Encrypt a config value with the vault passphrase
  version              Print version
`)
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting fleet gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Registry token may be sealed with `fleetgate seal`
	token := cfg.Registry.Token
	if cfg.Vault.Passphrase != "" {
		v := vault.New(cfg.Vault.Passphrase)
		token, err = v.MaybeOpen(cfg.Registry.Token)
		if err != nil {
			return fmt.Errorf("open registry token: %w", err)
		}
	} else if vault.IsSealed(token) {
		return fmt.Errorf("registry token is sealed but no vault passphrase is configured")
	}

	// SQLite audit store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	busClient, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("init nats client: %w", err)
	}
	defer busClient.Close()

	// External collaborators
	poolClient := poolapi.NewClient(cfg.Fleet.PoolTimeout, token)

	var disco *discovery.Client
	if cfg.Registry.URL != "" {
		disco = discovery.New(cfg.Registry.URL, token, cfg.Fleet.DiscoveryRetries, cfg.Registry.Timeout)
	} else {
		slog.Warn("registry url not set, pool discovery disabled")
	}

	var index *missionindex.Client
	if cfg.Registry.MissionIndex != "" {
		index = missionindex.New(cfg.Registry.MissionIndex, token, cfg.Registry.Timeout)
	}

	// Optional local pool bootstrap via Docker
	var launcher fleet.Launcher
	if cfg.Fleet.LocalPool.Enabled {
		l, err := container.NewLauncher(cfg.Fleet.LocalPool)
		if err != nil {
			return fmt.Errorf("init pool launcher: %w", err)
		}
		launcher = l
		slog.Info("local pool launcher enabled", "image", cfg.Fleet.LocalPool.Image)
	}

	// Fleet manager and reclamation sweep
	fm := fleet.NewManager(poolClient, disco, launcher, cfg.Fleet)
	go fm.StartReclaimer(ctx)

	// Orchestrator front door
	orch := orchestrator.New(depgraph.New(), fm, poolClient, index, db, cfg.Snapshot.Dir)
	if err := orch.AttachBus(busClient); err != nil {
		return fmt.Errorf("attach event bus: %w", err)
	}

	// Observer notifications
	if cfg.Telegram.Token != "" {
		notifier, err := notify.New(cfg.Telegram)
		if err != nil {
			return fmt.Errorf("init notifier: %w", err)
		}
		orch.SetNotifier(notifier)
		slog.Info("telegram notifier enabled", "chats", len(cfg.Telegram.ChatIDs))
	}

	// HTTP API + websocket event feed
	if cfg.Web.Enabled {
		srv := web.NewServer(orch, fm, db, bus, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	return nil
}

func runSeal(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: fleetgate seal <value>")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Vault.Passphrase == "" {
		return fmt.Errorf("no vault passphrase configured (set FLEETGATE_VAULT_PASSPHRASE)")
	}

	sealed, err := vault.New(cfg.Vault.Passphrase).SealString(args[0])
	if err != nil {
		return err
	}
	fmt.Println(sealed)
	return nil
}
