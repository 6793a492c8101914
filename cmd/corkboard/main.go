package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/urfave/cli"
	ini "github.com/vaughan0/go-ini"
	log "gopkg.in/inconshreveable/log15.v2"

	"github.com/corkboard/corkboard/internal/app"
	"github.com/corkboard/corkboard/internal/fetch"
	"github.com/corkboard/corkboard/internal/storage"
)

const version = "0.9.0"

const (
	defaultConfigPath   = "corkboard.conf"
	defaultDatabasePath = "corkdb"
	defaultFetchTimeout = 60 * time.Second
)

var commonFlags = []cli.Flag{
	cli.StringFlag{Name: "config, c", Value: defaultConfigPath, Usage: "path to config file"},
	cli.StringFlag{Name: "database, d", Usage: "path to the sqlite database file"},
	cli.StringFlag{Name: "log-level", Usage: "log level (none|debug|info|warn|error|crit)"},
}

func main() {
	cliApp := cli.NewApp()
	cliApp.Name = "corkboard"
	cliApp.Usage = "follow RSS and Atom feeds from the terminal"
	cliApp.Version = version

	cliApp.Commands = []cli.Command{
		{
			Name:      "add",
			Usage:     "subscribe to a feed",
			ArgsUsage: "<url>",
			Flags:     commonFlags,
			Action:    withApp(runAdd),
		},
		{
			Name:   "up",
			Usage:  "fetch all subscribed feeds and report new entries",
			Flags:  commonFlags,
			Action: withApp(runUp),
		},
		{
			Name:   "feeds",
			Usage:  "list subscribed feeds",
			Flags:  commonFlags,
			Action: withApp(runFeeds),
		},
		{
			Name:   "new",
			Usage:  "list unread entries and renumber them",
			Flags:  commonFlags,
			Action: withApp(runNew),
		},
		{
			Name:      "mark",
			Usage:     "mark entries as read by number or identity",
			ArgsUsage: "[--all] <number|identity>...",
			Flags: append([]cli.Flag{
				cli.BoolFlag{Name: "all", Usage: "mark every unread entry as read"},
			}, commonFlags...),
			Action: withApp(runMark),
		},
		{
			Name:      "remove",
			Usage:     "unsubscribe from a feed",
			ArgsUsage: "<url>",
			Flags:     commonFlags,
			Action:    withApp(runRemove),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp builds the logger, store and fetch client from flags and
// config, runs the command against them, and tears everything down.
func withApp(run func(ctx context.Context, a *app.App, c *cli.Context) error) func(*cli.Context) error {
	return func(c *cli.Context) error {
		conf, err := loadConfig(c.String("config"))
		if err != nil {
			return err
		}

		logger, err := newLogger(c, conf)
		if err != nil {
			return err
		}

		ctx := context.Background()
		repo, err := openRepository(ctx, c, conf, logger)
		if err != nil {
			return err
		}
		defer repo.Close()

		client := fetch.NewClient(fetchTimeout(conf), logger.New("module", "fetch"))
		return run(ctx, app.New(repo, client, logger, os.Stdout), c)
	}
}

// loadConfig reads the ini config. A missing file at the default path is
// fine; everything has a default.
func loadConfig(path string) (ini.File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid config path: %v", err)
	}

	file, err := ini.LoadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
			return ini.File{}, nil
		}
		return nil, fmt.Errorf("failed to load config file: %v", err)
	}
	return file, nil
}

func newLogger(c *cli.Context, conf ini.File) (log.Logger, error) {
	level := c.String("log-level")
	if level == "" {
		level, _ = conf.Get("log", "level")
	}
	if level == "" {
		level = "warn"
	}

	logger := log.New()
	if err := setFilterHandler(level, logger, log.StderrHandler); err != nil {
		return nil, err
	}
	return logger, nil
}

func setFilterHandler(level string, logger log.Logger, handler log.Handler) error {
	if level == "none" {
		logger.SetHandler(log.DiscardHandler())
		return nil
	}

	lvl, err := log.LvlFromString(level)
	if err != nil {
		return fmt.Errorf("bad log level: %v", err)
	}
	logger.SetHandler(log.LvlFilterHandler(lvl, handler))
	return nil
}

func openRepository(ctx context.Context, c *cli.Context, conf ini.File, logger log.Logger) (storage.Repository, error) {
	backend, _ := conf.Get("database", "backend")
	switch backend {
	case "", "sqlite":
		path := c.String("database")
		if path == "" {
			path, _ = conf.Get("database", "path")
		}
		if path == "" {
			path = defaultDatabasePath
		}
		return storage.OpenSQLite(ctx, path, logger.New("module", "storage"))
	case "postgresql":
		connString, err := postgresConnString(conf)
		if err != nil {
			return nil, err
		}
		return storage.OpenPostgres(ctx, connString, logger.New("module", "storage"))
	default:
		return nil, fmt.Errorf("unknown database backend %q", backend)
	}
}

func postgresConnString(conf ini.File) (string, error) {
	host, ok := conf.Get("database", "host")
	if !ok {
		return "", errors.New("config must contain database.host for the postgresql backend")
	}
	dbname, ok := conf.Get("database", "database")
	if !ok {
		return "", errors.New("config must contain database.database for the postgresql backend")
	}

	connString := fmt.Sprintf("host=%s dbname=%s", host, dbname)
	for _, key := range []string{"port", "user", "password"} {
		if value, ok := conf.Get("database", key); ok {
			connString += fmt.Sprintf(" %s=%s", key, value)
		}
	}
	return connString, nil
}

func fetchTimeout(conf ini.File) time.Duration {
	if value, ok := conf.Get("fetch", "timeout"); ok {
		if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultFetchTimeout
}

func runAdd(ctx context.Context, a *app.App, c *cli.Context) error {
	if len(c.Args()) != 1 {
		cli.ShowCommandHelp(c, "add")
		return cli.NewExitError("add takes exactly one feed url", 1)
	}
	return a.Add(ctx, c.Args().First())
}

func runUp(ctx context.Context, a *app.App, c *cli.Context) error {
	return a.Update(ctx)
}

func runFeeds(ctx context.Context, a *app.App, c *cli.Context) error {
	return a.Feeds(ctx)
}

func runNew(ctx context.Context, a *app.App, c *cli.Context) error {
	return a.New(ctx)
}

func runMark(ctx context.Context, a *app.App, c *cli.Context) error {
	if !c.Bool("all") && len(c.Args()) == 0 {
		cli.ShowCommandHelp(c, "mark")
		return cli.NewExitError("mark needs positions, identities or --all", 1)
	}
	return a.Mark(ctx, c.Args(), c.Bool("all"))
}

func runRemove(ctx context.Context, a *app.App, c *cli.Context) error {
	if len(c.Args()) != 1 {
		cli.ShowCommandHelp(c, "remove")
		return cli.NewExitError("remove takes exactly one feed url", 1)
	}
	return a.Remove(ctx, c.Args().First())
}
