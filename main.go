package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/gigapi/gigapi-datasets/config"
	"github.com/gigapi/gigapi-datasets/core"
	"github.com/gigapi/gigapi-datasets/registry"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

const VERSION = "v0.1.0"

const cfgKey = "config"

func makeApp(stdin io.Reader, stdout, stderr io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "gigapi-datasets"
	app.Version = VERSION
	app.Usage = "Versioned Parquet datasets with a SQL catalog"
	app.Writer = stdout
	app.ErrWriter = stderr
	app.Reader = stdin
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:      "config",
			Aliases:   []string{"c"},
			Usage:     "Path to a config file (yaml, json, toml)",
			TakesFile: true,
		},
		&cli.StringFlag{
			Name:  "root",
			Usage: "Data directory, overrides storage.root",
		},
		&cli.StringFlag{
			Name:  "driver",
			Usage: "Catalog driver: duckdb or sqlite",
		},
		&cli.StringFlag{
			Name:  "dsn",
			Usage: "Catalog database, defaults to a file under the data directory",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, warn or error",
		},
	}
	app.Before = loadConfig
	app.ExitErrHandler = exitErrHandler
	app.After = func(c *cli.Context) error {
		core.Sync()
		return nil
	}
	app.Commands = []*cli.Command{
		&serveCmdDef,
		&generateCmdDef,
		&ingestCmdDef,
		&readCmdDef,
		&listCmdDef,
		&describeCmdDef,
		&dedupCmdDef,
		&validateCmdDef,
		&orphansCmdDef,
	}
	return app
}

// loadConfig resolves configuration once and stores it in the app metadata.
func loadConfig(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("root") {
		cfg.Storage.Root = c.String("root")
		if !c.IsSet("dsn") && !c.IsSet("driver") {
			cfg.Catalog.DSN = ""
		}
	}
	if c.IsSet("driver") {
		cfg.Catalog.Driver = c.String("driver")
		if !c.IsSet("dsn") {
			cfg.Catalog.DSN = ""
		}
	}
	if c.IsSet("dsn") {
		cfg.Catalog.DSN = c.String("dsn")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := core.SetLogLevel(cfg.Log.Level); err != nil {
		return err
	}
	if c.App.Metadata == nil {
		c.App.Metadata = map[string]any{}
	}
	c.App.Metadata[cfgKey] = cfg
	c.Context = core.WithDefaultLogger(c.Context, "cli-"+uuid.NewString()[:8])
	return nil
}

func appConfig(c *cli.Context) *config.Config {
	return c.App.Metadata[cfgKey].(*config.Config)
}

// withRegistry opens the registry described by the loaded config for the
// duration of fn.
func withRegistry(c *cli.Context, fn func(reg *registry.Registry) error) error {
	cfg := appConfig(c)
	reg, err := registry.Open(c.Context, registry.Options{
		Root:        cfg.Storage.Root,
		Driver:      cfg.Catalog.Driver,
		DSN:         cfg.Catalog.DSN,
		MaxAttempts: cfg.Registry.MaxAttempts,
	})
	if err != nil {
		return err
	}
	defer reg.Close()
	return fn(reg)
}

// printJSON writes v as one JSON document per line.
func printJSON(c *cli.Context, v any) error {
	return json.NewEncoder(c.App.Writer).Encode(v)
}

// Called after a command returns an non-nil error value.
func exitErrHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(c.App.ErrWriter, "error: %s\n", err)
}

func main() {
	err := makeApp(os.Stdin, os.Stdout, os.Stderr).Run(os.Args)
	if err != nil {
		os.Exit(1)
	}
}
