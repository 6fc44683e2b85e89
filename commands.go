package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/gigapi/gigapi-datasets/core"
	"github.com/gigapi/gigapi-datasets/generator"
	"github.com/gigapi/gigapi-datasets/ingest"
	"github.com/gigapi/gigapi-datasets/registry"
	"github.com/gigapi/gigapi-datasets/server"
	"github.com/gigapi/gigapi-datasets/transform"
	"github.com/urfave/cli/v2"
)

var (
	nameFlag = &cli.StringFlag{
		Name:     "name",
		Aliases:  []string{"n"},
		Usage:    "Dataset name",
		Required: true,
	}
	layerFlag = &cli.StringFlag{
		Name:    "layer",
		Aliases: []string{"l"},
		Usage:   "raw, processed or curated",
		Value:   string(core.LayerRaw),
	}
	versionFlag = &cli.Int64Flag{
		Name:  "version",
		Usage: "Exact version, latest when unset",
	}
)

func layerOf(c *cli.Context, flag string) (core.Layer, error) {
	return core.ParseLayer(c.String(flag))
}

// metadataOf parses the repeated --meta key=value pairs. Values that are
// valid JSON keep their type, anything else is stored as a string.
func metadataOf(c *cli.Context) (map[string]any, error) {
	pairs := c.StringSlice("meta")
	if len(pairs) == 0 {
		return nil, nil
	}
	res := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: metadata %q is not key=value", core.ErrInvalidArgument, p)
		}
		var typed any
		if err := json.Unmarshal([]byte(v), &typed); err == nil {
			res[k] = typed
			continue
		}
		res[k] = v
	}
	return res, nil
}

var serveCmdDef = cli.Command{
	Name:  "serve",
	Usage: "Serve the catalog over HTTP and datasets over Arrow Flight",
	Action: func(c *cli.Context) error {
		cfg := appConfig(c)
		return withRegistry(c, func(reg *registry.Registry) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			mux := http.NewServeMux()
			server.NewServer(reg).Routes(mux)
			httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTP.Port), Handler: mux}

			errs := make(chan error, 2)
			go func() {
				core.Infof(ctx, "Datasets server running at http://localhost:%d", cfg.HTTP.Port)
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errs <- fmt.Errorf("http server: %w", err)
				}
			}()
			go func() {
				if err := server.StartFlightServer(ctx, cfg.Flight.Port, reg); err != nil {
					errs <- fmt.Errorf("flight server: %w", err)
				}
			}()

			var err error
			select {
			case <-ctx.Done():
			case err = <-errs:
				core.Errorf(ctx, "Shutting down: %v", err)
				stop()
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if serr := httpSrv.Shutdown(shutdownCtx); serr != nil && err == nil {
				err = serr
			}
			return err
		})
	},
}

var generateCmdDef = cli.Command{
	Name:  "generate",
	Usage: "Write synthetic research batches, one dataset version per batch",
	Flags: []cli.Flag{
		nameFlag,
		layerFlag,
		&cli.StringFlag{Name: "kind", Usage: "text, numerical or mixed", Value: string(generator.KindText)},
		&cli.IntFlag{Name: "rows", Usage: "Rows per batch", Value: 1000},
		&cli.IntFlag{Name: "batches", Usage: "Number of batches", Value: 1},
		&cli.DurationFlag{Name: "delay", Usage: "Pause between batches"},
		&cli.Int64Flag{Name: "seed", Usage: "Random seed", Value: 42},
		&cli.StringSliceFlag{Name: "meta", Usage: "Metadata key=value, repeatable"},
	},
	Action: func(c *cli.Context) error {
		layer, err := layerOf(c, "layer")
		if err != nil {
			return err
		}
		kind, err := generator.ParseKind(c.String("kind"))
		if err != nil {
			return fmt.Errorf("%w: %w", core.ErrInvalidArgument, err)
		}
		meta, err := metadataOf(c)
		if err != nil {
			return err
		}
		if meta == nil {
			meta = map[string]any{}
		}
		meta["generator"] = string(kind)

		gen := generator.New(rand.New(rand.NewSource(c.Int64("seed"))), nil)
		return withRegistry(c, func(reg *registry.Registry) error {
			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()
			batches, err := gen.Stream(ctx, kind, c.Int("rows"), c.Int("batches"), c.Duration("delay"))
			if err != nil {
				return err
			}
			for rec := range batches {
				tbl := array.NewTableFromRecords(rec.Schema(), []arrow.Record{rec})
				rec.Release()
				id, err := reg.WriteDataset(ctx, tbl, c.String("name"), layer, registry.WithMetadata(meta))
				tbl.Release()
				if err != nil {
					return err
				}
				if err := describeTo(c, reg, id); err != nil {
					return err
				}
			}
			return c.Context.Err()
		})
	},
}

var ingestCmdDef = cli.Command{
	Name:  "ingest",
	Usage: "Load a CSV or JSON file as a new dataset version",
	Flags: []cli.Flag{
		nameFlag,
		layerFlag,
		&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Headed CSV, JSON array of objects or JSON lines", Required: true, TakesFile: true},
		&cli.StringFlag{Name: "format", Usage: "csv or json, guessed from the file extension when unset"},
		&cli.StringSliceFlag{Name: "meta", Usage: "Metadata key=value, repeatable"},
	},
	Action: func(c *cli.Context) error {
		layer, err := layerOf(c, "layer")
		if err != nil {
			return err
		}
		meta, err := metadataOf(c)
		if err != nil {
			return err
		}
		format := ingest.FormatOf(c.String("file"))
		if c.IsSet("format") {
			if format, err = ingest.ParseFormat(c.String("format")); err != nil {
				return err
			}
		}
		f, err := os.Open(c.String("file"))
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", c.String("file"), err)
		}
		defer f.Close()
		tbl, err := ingest.Read(format, f, nil)
		if err != nil {
			return err
		}
		defer tbl.Release()
		return withRegistry(c, func(reg *registry.Registry) error {
			id, err := reg.WriteDataset(c.Context, tbl, c.String("name"), layer, registry.WithMetadata(meta))
			if err != nil {
				return err
			}
			return describeTo(c, reg, id)
		})
	},
}

var readCmdDef = cli.Command{
	Name:  "read",
	Usage: "Print rows of a dataset version as JSON lines",
	Flags: []cli.Flag{
		nameFlag,
		layerFlag,
		versionFlag,
		&cli.Int64Flag{Name: "limit", Usage: "Maximum rows, all when negative", Value: server.DefaultRowLimit},
	},
	Action: func(c *cli.Context) error {
		layer, err := layerOf(c, "layer")
		if err != nil {
			return err
		}
		var opts []registry.ReadOption
		if v := c.Int64("version"); v > 0 {
			opts = append(opts, registry.AtVersion(v))
		}
		return withRegistry(c, func(reg *registry.Registry) error {
			tbl, _, err := reg.ReadDataset(c.Context, c.String("name"), layer, opts...)
			if err != nil {
				return err
			}
			defer tbl.Release()
			for _, row := range server.ProcessResultsForJSON(server.TableToRows(tbl, c.Int64("limit"))) {
				if err := printJSON(c, row); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var listCmdDef = cli.Command{
	Name:  "list",
	Usage: "List catalog records, most recent first",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "layer", Aliases: []string{"l"}, Usage: "Only this layer"},
		&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "Only this dataset"},
	},
	Action: func(c *cli.Context) error {
		var filter core.ListFilter
		if c.IsSet("layer") {
			layer, err := layerOf(c, "layer")
			if err != nil {
				return err
			}
			filter.Layer = &layer
		}
		filter.Name = c.String("name")
		return withRegistry(c, func(reg *registry.Registry) error {
			records, err := reg.ListDatasets(c.Context, filter)
			if err != nil {
				return err
			}
			for _, rec := range records {
				if err := printJSON(c, rec); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var describeCmdDef = cli.Command{
	Name:  "describe",
	Usage: "Print the catalog record with the given id",
	Flags: []cli.Flag{
		&cli.Int64Flag{Name: "id", Usage: "Dataset id", Required: true},
	},
	Action: func(c *cli.Context) error {
		return withRegistry(c, func(reg *registry.Registry) error {
			return describeTo(c, reg, c.Int64("id"))
		})
	},
}

func describeTo(c *cli.Context, reg *registry.Registry, id int64) error {
	rec, err := reg.Describe(c.Context, id)
	if err != nil {
		return err
	}
	return printJSON(c, rec)
}

type stepFn func(ctx context.Context, rec arrow.Record) (arrow.Record, error)

// promote reads the newest version of name in the from layer, applies step and
// writes the result as a new version in the to layer.
func promote(c *cli.Context, step string, fn stepFn) error {
	from, err := layerOf(c, "from")
	if err != nil {
		return err
	}
	to, err := layerOf(c, "to")
	if err != nil {
		return err
	}
	name := c.String("name")
	return withRegistry(c, func(reg *registry.Registry) error {
		tbl, src, err := reg.ReadDataset(c.Context, name, from)
		if err != nil {
			return err
		}
		rec, err := transform.CombineTable(tbl)
		tbl.Release()
		if err != nil {
			return err
		}
		out, err := fn(c.Context, rec)
		rec.Release()
		if err != nil {
			return err
		}
		defer out.Release()
		core.Infof(c.Context, "%s %s/%s v%d: %d -> %d rows", step, from, name, src.Version, src.RowCount, out.NumRows())

		result := array.NewTableFromRecords(out.Schema(), []arrow.Record{out})
		defer result.Release()
		id, err := reg.WriteDataset(c.Context, result, name, to, registry.WithMetadata(map[string]any{
			"step":           step,
			"source_id":      src.ID,
			"source_layer":   string(src.Layer),
			"source_version": src.Version,
		}))
		if err != nil {
			return err
		}
		return describeTo(c, reg, id)
	})
}

var dedupCmdDef = cli.Command{
	Name:  "dedup",
	Usage: "Drop duplicate rows of the latest version into the next layer",
	Flags: []cli.Flag{
		nameFlag,
		&cli.StringFlag{Name: "from", Value: string(core.LayerRaw)},
		&cli.StringFlag{Name: "to", Value: string(core.LayerProcessed)},
	},
	Action: func(c *cli.Context) error {
		return promote(c, "dedup", transform.Deduplicate)
	},
}

var validateCmdDef = cli.Command{
	Name:  "validate",
	Usage: "Drop rows with nulls or out of range values into the next layer",
	Flags: []cli.Flag{
		nameFlag,
		&cli.StringFlag{Name: "from", Value: string(core.LayerProcessed)},
		&cli.StringFlag{Name: "to", Value: string(core.LayerCurated)},
	},
	Action: func(c *cli.Context) error {
		return promote(c, "validate", func(ctx context.Context, rec arrow.Record) (arrow.Record, error) {
			return transform.Validate(ctx, rec, transform.DefaultRules)
		})
	},
}

var orphansCmdDef = cli.Command{
	Name:  "orphans",
	Usage: "List dataset files that have no catalog record",
	Action: func(c *cli.Context) error {
		return withRegistry(c, func(reg *registry.Registry) error {
			files, err := reg.Orphans(c.Context)
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Fprintln(c.App.Writer, f)
			}
			return nil
		})
	},
}
