// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-bifrost is a Matrix appservice that bridges Matrix
// rooms to legacy instant messaging networks through a pluggable
// multi-protocol backend. One bot, many ghosts: remote users appear as
// Matrix ghost users and Matrix users drive their own remote accounts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
	"gopkg.in/yaml.v3"
	flag "maunium.net/go/mauflag"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-bifrost/pkg/bifrost"
	"github.com/aiku/mautrix-bifrost/pkg/bridge"
	"github.com/aiku/mautrix-bifrost/pkg/bridge/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath = flag.MakeFull("c", "config", "Path to the config file.", "config.yaml").String()
var generateExampleConfig = flag.MakeFull("e", "generate-example-config", "Write the example config to the config path and exit.", "false").Bool()
var version = flag.MakeFull("v", "version", "Print the version and exit.", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

func loadConfig(path string) (*bridge.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg bridge.Config
	if err = yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// queryHandler answers homeserver existence queries for ghost users and
// portal aliases.
type queryHandler struct {
	br *bridge.Bridge
}

func (qh *queryHandler) QueryUser(userID id.UserID) bool {
	return qh.br.HandleUserQuery(context.Background(), userID)
}

func (qh *queryHandler) QueryAlias(alias string) bool {
	return qh.br.HandleAliasQuery(context.Background(), alias)
}

func run() error {
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Initializing mautrix-bifrost")

	db, err := dbutil.NewFromConfig("mautrix-bifrost", cfg.Database, dbutil.ZeroLogger(*log))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	st := store.NewSQLStore(db)
	ctx := log.WithContext(context.Background())
	if err = st.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade database: %w", err)
	}
	defer func() {
		_ = st.Close()
	}()

	as := appservice.Create()
	as.Log = log.With().Str("component", "appservice").Logger()
	as.HomeserverDomain = cfg.Homeserver.Domain
	if err = as.SetHomeserverURL(cfg.Homeserver.Address); err != nil {
		return fmt.Errorf("invalid homeserver address: %w", err)
	}
	as.Host = appservice.HostConfig{
		Hostname: cfg.AppService.Hostname,
		Port:     cfg.AppService.Port,
	}
	as.Registration, err = appservice.LoadRegistration(cfg.AppService.Registration)
	if err != nil {
		return fmt.Errorf("failed to load registration: %w", err)
	}

	backend, err := bifrost.NewInstance(cfg.Backend.Type, cfg.Backend.Config)
	if err != nil {
		return fmt.Errorf("failed to construct backend: %w", err)
	}
	br, err := bridge.New(*log, cfg, bridge.NewAppServiceMatrix(as), st, backend, nil)
	if err != nil {
		return err
	}
	as.QueryHandler = &queryHandler{br: br}

	ep := appservice.NewEventProcessor(as)
	for _, typ := range []event.Type{
		event.EventMessage,
		event.StateMember,
		event.StateRoomName,
		event.StateTopic,
		event.StatePowerLevels,
	} {
		ep.On(typ, br.HandleMatrixEvent)
	}

	if err = br.Start(ctx); err != nil {
		return err
	}
	go as.Start()
	go ep.Start(ctx)
	log.Info().Msg("Bridge is running")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Info().Msg("Shutting down")
	br.Stop()
	ep.Stop()
	as.Stop()
	return nil
}

func main() {
	flag.SetHelpTitles(
		"mautrix-bifrost - A Matrix puppeting bridge for legacy IM networks.",
		"mautrix-bifrost [-h] [-c <path>] [-e] [-v]",
	)
	err := flag.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Printf("mautrix-bifrost %s (%s, built %s)\n", Tag, Commit, BuildTime)
		os.Exit(0)
	} else if *generateExampleConfig {
		if err = os.WriteFile(*configPath, []byte(bridge.ExampleConfig), 0o600); err != nil {
			fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(1)
		}
		fmt.Println("Wrote example config to", *configPath)
		os.Exit(0)
	}
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}
