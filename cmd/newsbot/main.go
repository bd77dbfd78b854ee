package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli/v2"

	"newsbot/internal/app"
	"newsbot/internal/config"
	"newsbot/internal/destination"
	"newsbot/internal/feed"
	logx "newsbot/pkg/logx"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "newsbot",
		Usage: "Post new SEC filings and press releases to Telegram",
		Description: `Polls the filings and press release feeds, skips entries that are
		older than the freshness window or already processed, and posts the
		rest to the chat configured for each category.

		Flags can be set via environment variables, e.g.:

		--config => NEWSBOT_CONFIG=/etc/newsbot/config.yaml`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./config.yaml",
				Usage:   "config file (json, yaml or toml)",
				EnvVars: []string{"NEWSBOT_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCmd(),
			destinationCmd(),
			checkCmd(),
			recordsCmd(),
		},
		Action: serve,
	}
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the bot (default)",
		Action: serve,
	}
}

func serve(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(c.String("config"))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	_ = a.Stop(sctx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

// loadCLI loads the config for a one-shot command, logging to stderr.
func loadCLI(c *cli.Context) (*config.Config, logx.Logger, error) {
	cfg, err := app.LoadConfig(c.String("config"))
	if err != nil {
		return nil, logx.Logger{}, err
	}
	level := cfg.Logging.Level
	if level == "" {
		level = "warn"
	}
	return cfg, logx.New(os.Stderr, level), nil
}

func categoryArg(c *cli.Context, i int) (feed.Category, error) {
	if c.NArg() <= i {
		return "", fmt.Errorf("missing category (filings or press)")
	}
	return feed.ParseCategory(c.Args().Get(i))
}

func destinationCmd() *cli.Command {
	return &cli.Command{
		Name:  "destination",
		Usage: "Show or change where a category is posted",
		Subcommands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Set the destination of a category",
				ArgsUsage: "<filings|press> <destination>",
				Action: func(c *cli.Context) error {
					cat, err := categoryArg(c, 0)
					if err != nil {
						return err
					}
					if c.NArg() < 2 {
						return fmt.Errorf("missing destination name")
					}
					cfg, log, err := loadCLI(c)
					if err != nil {
						return err
					}
					if err := app.SetDestination(c.Context, cfg, log, cat, c.Args().Get(1)); err != nil {
						return err
					}
					fmt.Printf("%s updates will be posted in #%s\n", cat.Title(), destination.Normalize(c.Args().Get(1)))
					return nil
				},
			},
			{
				Name:      "get",
				Usage:     "Show the destination of a category",
				ArgsUsage: "<filings|press>",
				Action: func(c *cli.Context) error {
					cat, err := categoryArg(c, 0)
					if err != nil {
						return err
					}
					cfg, log, err := loadCLI(c)
					if err != nil {
						return err
					}
					name, ok, err := app.GetDestination(c.Context, cfg, log, cat)
					if err != nil {
						return err
					}
					if !ok {
						fmt.Println("not set (falls back to #general)")
						return nil
					}
					fmt.Println("#" + name)
					return nil
				},
			},
		},
	}
}

func checkCmd() *cli.Command {
	return &cli.Command{
		Name:      "check",
		Usage:     "Run one polling iteration of a category",
		ArgsUsage: "<filings|press>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "list what would be posted without recording or sending anything",
			},
		},
		Action: func(c *cli.Context) error {
			cat, err := categoryArg(c, 0)
			if err != nil {
				return err
			}
			cfg, log, err := loadCLI(c)
			if err != nil {
				return err
			}
			rep, err := app.Check(c.Context, cfg, log, cat, c.Bool("dry-run"))
			if err != nil {
				return err
			}
			if c.Bool("dry-run") {
				if len(rep.Pending) == 0 {
					fmt.Println("nothing new")
					return nil
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				for _, e := range rep.Pending {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", e.PublishedRaw, e.Title, e.Link)
				}
				return tw.Flush()
			}
			r := rep.Result
			if r.Suspended {
				fmt.Println("suspended: no destination set for", cat)
				return nil
			}
			fmt.Printf("fetched %d, stale %d, seen %d, delivered %d, failed %d\n",
				r.Fetched, r.Stale, r.Seen, r.Delivered, r.Failed)
			return nil
		},
	}
}

func recordsCmd() *cli.Command {
	return &cli.Command{
		Name:  "records",
		Usage: "List processed entries",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "category", Usage: "filings or press (default: all)"},
			&cli.BoolFlag{Name: "undelivered", Usage: "only entries whose delivery failed"},
			&cli.IntFlag{Name: "limit", Value: 50, Usage: "maximum rows (0 = all)"},
		},
		Action: func(c *cli.Context) error {
			category := ""
			if s := c.String("category"); s != "" {
				cat, err := feed.ParseCategory(s)
				if err != nil {
					return err
				}
				category = string(cat)
			}
			cfg, log, err := loadCLI(c)
			if err != nil {
				return err
			}
			recs, err := app.Records(c.Context, cfg, log, category, c.Bool("undelivered"), c.Int("limit"))
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CATEGORY\tDELIVERED\tPUBLISHED\tTITLE\tLINK")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\n", r.Category, r.Delivered, r.PublishedAtRaw, r.Title, r.Link)
			}
			return tw.Flush()
		},
	}
}
