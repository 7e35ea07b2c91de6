package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"tripsync/internal/account"
	"tripsync/internal/config"
	"tripsync/internal/gateway"
	"tripsync/internal/identity"
	appLog "tripsync/internal/log"
	"tripsync/internal/model"
	"tripsync/internal/store"
)

const version = "0.3.0"

// flagConfig holds the global CLI flags.
type flagConfig struct {
	configPath string
	listen     string
	debug      bool
}

// app is what every command needs: config, identity and a store backed by
// the gateway.
type app struct {
	flags   flagConfig
	cfg     *config.Config
	id      model.Identity
	gw      *gateway.Client
	store   *store.Store
	account *account.Manager
}

func main() {
	// .env is optional.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		appLog.Warn("failed to load .env", "err", err)
	}

	flags := parseFlags()
	args := flag.Args()
	cmd := "run"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	conf, err := loadConfig(flags)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	appLog.Info("tripsync starting", "version", version, "command", cmd)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if cmd == "backend" {
		err = runBackend(ctx, conf)
	} else {
		err = dispatch(ctx, flags, conf, cmd, args)
	}
	if err != nil {
		appLog.Error("command failed", err, "command", cmd)
		os.Exit(1)
	}
	appLog.Info("tripsync exiting")
}

func dispatch(ctx context.Context, flags flagConfig, conf *config.Config, cmd string, args []string) error {
	a, err := newApp(flags, conf)
	if err != nil {
		return err
	}
	defer a.store.Close()

	switch cmd {
	case "run":
		return a.run(ctx)
	case "summary":
		return a.summary(ctx, args)
	case "import":
		return a.importFeed(ctx, args)
	case "export":
		return a.export(ctx, args)
	case "create-group":
		return a.createGroup(ctx, args)
	case "join":
		return a.joinGroup(ctx, args)
	case "rename":
		return a.rename(ctx, args)
	case "claim":
		return a.claim(ctx)
	default:
		return fmt.Errorf("unknown command %q (want run, backend, summary, import, export, create-group, join, rename or claim)", cmd)
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "./var/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "Companion API listen address (overrides config if set)")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [run|backend|summary|import|export|create-group|join|rename|claim] [command flags]\n", os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	return cfg
}

func loadConfig(flags flagConfig) (*config.Config, error) {
	conf, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	conf.ApplyEnv()

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	level := conf.LogLevel
	if flags.debug {
		level = "debug"
	}
	appLog.SetLevel(appLog.ParseLevel(level))

	appLog.Info("effective config",
		"listen", conf.Listen,
		"api_base_url", conf.APIBaseURL,
		"stale_window", conf.Cache.StaleWindow.Std(),
		"rate_limit_rps", conf.RateLimit.RequestsPerSecond,
		"signed_in", conf.Identity.AccessToken != "",
		"basic_auth", conf.BasicAuth != nil,
	)
	return conf, nil
}

// resolveIdentity returns the signed-in user when an access token is
// configured and the persistent local actor otherwise. Users keep the
// local actor id so their anonymous history stays attached. The configured
// display name only seeds a new actor; the actor file holds renames.
func resolveIdentity(conf *config.Config) (model.Identity, identity.LocalActor, error) {
	actor, err := identity.LoadOrCreateActor(conf.Identity.ActorFile, conf.Identity.DisplayName)
	if err != nil {
		return model.Identity{}, actor, fmt.Errorf("local actor: %w", err)
	}
	if conf.Identity.AccessToken == "" {
		return actor.Identity(), actor, nil
	}
	id, err := identity.FromAccessToken(conf.Identity.AccessToken, actor.ActorID, actor.DisplayName)
	return id, actor, err
}

func newApp(flags flagConfig, conf *config.Config) (*app, error) {
	id, actor, err := resolveIdentity(conf)
	if err != nil {
		return nil, err
	}
	gw := gateway.New(conf.APIBaseURL,
		gateway.WithHTTPClient(&http.Client{Timeout: conf.RequestTimeout.Std()}),
		gateway.WithRateLimit(conf.RateLimit.RequestsPerSecond, conf.RateLimit.Burst),
	)
	st := store.New(gw, id,
		store.WithStaleWindow(conf.Cache.StaleWindow.Std()),
		store.WithGroupsStaleWindow(conf.Cache.GroupsStaleWindow.Std()),
	)
	appLog.Info("identity ready", "kind", id.Kind, "actor_id", id.ActorID, "display_name", id.DisplayName)
	return &app{
		flags:   flags,
		cfg:     conf,
		id:      id,
		gw:      gw,
		store:   st,
		account: account.New(gw, st, conf.Identity.ActorFile, actor),
	}, nil
}
