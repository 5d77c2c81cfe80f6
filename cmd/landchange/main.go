// Command landchange drives land-cover change detection for one area.
//
//	landchange [flags] export     submit classification jobs for every tile and year
//	landchange [flags] ingest     record the yearly rasters present in the artifact dir
//	landchange [flags] aggregate  reduce covered tiles into dynamicity outputs
//	landchange [flags] status     print ledger progress for the area
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/landcover.report/internal/classify"
	"github.com/banshee-data/landcover.report/internal/config"
	"github.com/banshee-data/landcover.report/internal/fsutil"
	"github.com/banshee-data/landcover.report/internal/geo"
	"github.com/banshee-data/landcover.report/internal/httputil"
	"github.com/banshee-data/landcover.report/internal/landcover"
	"github.com/banshee-data/landcover.report/internal/ledger"
	"github.com/banshee-data/landcover.report/internal/pipeline"
	"github.com/banshee-data/landcover.report/internal/raster"
	"github.com/banshee-data/landcover.report/internal/retry"
	"github.com/banshee-data/landcover.report/internal/scheduler"
	"github.com/banshee-data/landcover.report/internal/timeutil"
	"github.com/banshee-data/landcover.report/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("landchange: %v", err)
	}
}

func usage(fs *flag.FlagSet) func() {
	return func() {
		fmt.Fprintf(fs.Output(), "usage: landchange [flags] export|ingest|aggregate|status\n\nflags:\n")
		fs.PrintDefaults()
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("landchange", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "path to pipeline JSON config")
	area := fs.String("area", "", "area name (overrides area_name)")
	keep := fs.Bool("keep-artifacts", false, "keep yearly rasters after aggregation")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Usage = usage(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Fprintf(stdout, "landchange %s built %s\n", version.String(), version.BuildTime)
		return nil
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return flag.ErrHelp
	}
	cmd := fs.Arg(0)
	switch cmd {
	case "export", "ingest", "aggregate", "status":
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *area != "" {
		cfg.AreaName = area
	}
	if cfg.GetAreaName() == "" {
		return landcover.Fatalf("no area name configured")
	}

	db, err := ledger.NewDB(cfg.GetLedgerPath())
	if err != nil {
		return err
	}
	defer db.Close()

	if cmd == "status" {
		return printStatus(ctx, db, cfg.GetAreaName(), stdout)
	}

	ranges, err := cfg.TimeRanges()
	if err != nil {
		return err
	}
	opts := pipeline.Options{
		Area:          cfg.GetAreaName(),
		Ranges:        ranges,
		CellMeters:    cfg.GetCellSizeMeters(),
		Ledger:        db,
		Artifacts:     raster.NewStore(cfg.GetArtifactDir()),
		OutputFS:      fsutil.OSFileSystem{},
		OutputDir:     cfg.GetOutputDir(),
		Quicklook:     cfg.GetQuicklook(),
		KeepArtifacts: *keep,
		Clock:         timeutil.RealClock{},
		Retry: &retry.Policy{
			Name:       "ledger",
			Interval:   cfg.GetTransientBackoff(),
			MaxRetries: cfg.GetMaxTransientRetries(),
		},
		Scheduler: scheduler.Config{
			BatchSize:    cfg.GetBatchSize(),
			MaxInFlight:  cfg.GetMaxInFlight(),
			PollInterval: cfg.GetPollInterval(),
			Retry: &retry.Policy{
				Name:       "classification-service",
				Interval:   cfg.GetTransientBackoff(),
				MaxRetries: cfg.GetMaxTransientRetries(),
			},
		},
	}
	if cmd == "export" {
		if cfg.GetBoundaryPath() == "" {
			return landcover.Fatalf("boundary_path is required for export")
		}
		if cfg.GetServiceURL() == "" {
			return landcover.Fatalf("service_url is required for export")
		}
		opts.Boundary = geo.NewGeoJSONSource(cfg.GetBoundaryPath(), cfg.GetBoundaryNameProperty())
		client := httputil.NewStandardClient(&http.Client{Timeout: time.Minute})
		opts.Service = classify.NewHTTPService(client, cfg.GetServiceURL())
	}

	p, err := pipeline.New(opts)
	if err != nil {
		return err
	}

	switch cmd {
	case "export":
		report, err := p.Export(ctx)
		if report != nil {
			fmt.Fprintf(stdout, "export %s: %s\n", opts.Area, report.Summary())
			for _, f := range report.Failures {
				fmt.Fprintf(stdout, "  failed: %v\n", f)
			}
		}
		return err
	case "ingest":
		n, err := p.Ingest(ctx)
		fmt.Fprintf(stdout, "ingest %s: %d chip years recorded\n", opts.Area, n)
		return err
	default:
		report, err := p.Aggregate(ctx)
		if report != nil {
			s := report.Summary
			fmt.Fprintf(stdout, "aggregate %s: %d chips (%d already done, %d realigned, %d failed)\n",
				opts.Area, len(report.Processed), report.AlreadyDone, len(report.Aligned), len(report.Failed))
			fmt.Fprintf(stdout, "  changed pixels: total %.0f, median %.1f, max %.0f per tile\n",
				s.TotalChanged, s.MedianChanged, s.MaxChanged)
		}
		return err
	}
}

func printStatus(ctx context.Context, db *ledger.DB, area string, w io.Writer) error {
	st, err := db.AreaStatus(ctx, area)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "area %s\n", st.Area)
	fmt.Fprintf(w, "  completed subregions: %v\n", st.CompletedSubregions)
	fmt.Fprintf(w, "  chip years ingested:  %d\n", st.ChipYears)
	fmt.Fprintf(w, "  submission failures:  %d\n", st.Failures)
	return nil
}
