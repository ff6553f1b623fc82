package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/floegence/sqlagent/internal/config"
	"github.com/floegence/sqlagent/internal/mcp"
	"github.com/floegence/sqlagent/internal/server"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP API and the MCP endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen on `ADDR` (default: server.addr from the configuration)",
			},
			&cli.BoolFlag{
				Name:  "no-mcp",
				Usage: "Do not mount the MCP endpoint at /mcp",
			},
		},
		Action: func(c *cli.Context) error {
			a, err := openAgent(c)
			if err != nil {
				return err
			}
			defer a.Close()

			cfg := a.Config()
			addr := strings.TrimSpace(c.String("addr"))
			if addr == "" {
				addr = cfg.Server.Addr
			}

			opts := server.Options{
				Service:        a.Service(),
				Tables:         a.Tables(),
				Monitor:        a.Monitor(),
				Logger:         a.Logger(),
				Version:        a.Version(),
				MaxUploadBytes: cfg.Server.MaxUploadBytes,
			}
			if !c.Bool("no-mcp") {
				opts.MCP = mcp.New(a.Service(), a.Tables(), a.Logger(), a.Version()).HTTPHandler()
			}
			srv, err := server.New(opts)
			if err != nil {
				return err
			}

			base := "http://" + displayAddr(addr)
			banner := bannerOptions{Version: a.Version(), URL: base + "/api", DataDir: cfg.DataDir}
			if opts.MCP != nil {
				banner.MCPURL = base + "/mcp"
			}
			printBanner(os.Stderr, banner)

			g, gctx := errgroup.WithContext(c.Context)
			g.Go(func() error { return srv.Start(gctx, addr) })
			g.Go(func() error { return a.Run(gctx) })
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

// displayAddr turns a listen address into one a browser can reach.
func displayAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the MCP protocol over stdio",
		Action: func(c *cli.Context) error {
			a, err := openAgent(c)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()
			go func() { _ = a.Run(ctx) }()

			srv := mcp.New(a.Service(), a.Tables(), a.Logger(), a.Version())
			if err := srv.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the configuration file",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a sample configuration file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Write to `FILE`",
						Value:   config.DefaultConfigPath(),
					},
				},
				Action: func(c *cli.Context) error {
					path := c.String("output")
					if err := config.InitConfig(path); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
					return nil
				},
			},
			{
				Name:  "validate",
				Usage: "Load the configuration and report problems",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "ok: data_dir=%s store=%s model=%s/%s interrupt_mode=%s\n",
						cfg.DataDir, cfg.Store.Driver, cfg.Model.Provider, cfg.Model.PrimaryModel, cfg.Agent.InterruptMode)
					return nil
				},
			},
		},
	}
}
