// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Program tether is a command-line utility for running and talking to
// tether collectors.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/tether"
	"github.com/creachadair/tether/config"
	"github.com/creachadair/tether/peers"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var flags struct {
	Config    string `flag:"config,Configuration file path (YAML)"`
	EnvPrefix string `flag:"env-prefix,default=TETHER_,Prefix of configuration environment variables"`
	Address   string `flag:"addr,Override the configured address"`
}

var serveFlags struct {
	Metrics string `flag:"metrics,Serve prometheus metrics at this address"`
	Echo    bool   `flag:"echo,default=true,Answer requests with their payload"`
}

var callFlags struct {
	AgentID string        `flag:"agent,default=tether-cli,Agent ID presented in the handshake"`
	Timeout time.Duration `flag:"timeout,default=3s,Request timeout"`
	Send    bool          `flag:"send,Send a message instead of a request"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Run and talk to tether collectors.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name:     "serve",
				Help:     "Run a collector that accepts agent connections until interrupted.",
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:     "call",
				Usage:    "<payload>...",
				Help:     "Connect to a collector and issue a request with the given payload.",
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flags.Config, flags.EnvPrefix)
	if err != nil {
		return config.Config{}, err
	}
	if flags.Address != "" {
		cfg.Address = flags.Address
	}
	return cfg, nil
}

func runServe(env *command.Env) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := cfg.Logger("tether")
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := tether.Options{
		Logger: log,
		OnMessage: func(_ context.Context, c *tether.Conn, data []byte) {
			log.Info("message", "agent", c.RemoteProperties().GetString(tether.KeyAgentID), "bytes", len(data))
		},
	}
	if serveFlags.Echo {
		opts.OnRequest = func(_ context.Context, c *tether.Conn, req *tether.Request) {
			c.Response(req.ID, req.Data)
		}
	}
	acc := peers.NewAcceptor(cfg, opts)
	if err := acc.Bind(cfg.Address); err != nil {
		return err
	}
	log.Info("collector started", "addr", acc.Addr())

	var srv *http.Server
	if serveFlags.Metrics != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(tether.MetricsCollector("tether"))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: serveFlags.Metrics, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
		log.Info("serving metrics", "addr", serveFlags.Metrics)
	}

	<-ctx.Done()
	log.Info("shutting down", "connections", acc.Group().Len())
	if srv != nil {
		srv.Close()
	}
	return acc.Close()
}

func runCall(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing payload")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.RequestTimeout = callFlags.Timeout
	log := cfg.Logger("tether")
	if cfg.LogLevel == "info" {
		log.SetLevel(hclog.Warn)
	}

	f := peers.NewFactory(cfg, tether.Options{
		Logger:     log,
		Properties: tether.AgentProperties(callFlags.AgentID, "tether-cli", false),
	})
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout+cfg.RequestTimeout)
	defer cancel()
	s, err := f.Connect(ctx, cfg.Address)
	if err != nil {
		return err
	}
	payload := []byte(strings.Join(env.Args, " "))
	if callFlags.Send {
		return s.SendSync(ctx, payload)
	}
	rsp, err := s.Request(payload).Wait(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", rsp)
	return nil
}
