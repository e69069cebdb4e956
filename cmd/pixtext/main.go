// pixtext converts raster images into size-bounded pixel text: the image is
// bilinearly downsampled by the largest factor whose encoding fits a fixed
// character budget, then written as delimited RGB records.
//
// Usage:
//
//	pixtext [flags] <input> [output]     Convert one image (default output.txt)
//	pixtext ingest [flags] <path|url>... Convert into the data directory catalog
//	pixtext serve [flags]                Serve the HTTP API
//
// Conversion flags (all modes):
//
//	-budget int     Maximum encoded characters (default 190000, env PIXTEXT_BUDGET)
//	-cpp int        Estimated characters per pixel (default 25)
//	-margin float   Safety margin on the estimate (default 0.95)
//	-gamma float    Screen gamma, 0 disables correction (default 1.5)
//	-max-pixels int Largest accepted source image, 0 = no limit (default 40000000)
//	-fit string     estimate | strict | shrink (default "estimate")
//	-workers int    Resampling goroutines, 0 = GOMAXPROCS (default 1)
//	-v              Verbose logging
//
// Convert mode also takes -preview file.webp and -version.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/Jesssullivan/pixtext/internal/catalog"
	"github.com/Jesssullivan/pixtext/internal/convert"
	"github.com/Jesssullivan/pixtext/internal/decode"
	"github.com/Jesssullivan/pixtext/internal/ingest"
	"github.com/Jesssullivan/pixtext/internal/logs"
	"github.com/Jesssullivan/pixtext/internal/plan"
	"github.com/Jesssullivan/pixtext/internal/preview"
	"github.com/Jesssullivan/pixtext/internal/server"
	"github.com/Jesssullivan/pixtext/internal/store"
	"tailscale.com/tsnet"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// convFlags registers the conversion flags shared by every mode.
type convFlags struct {
	budget  *int
	cpp     *int
	margin  *float64
	gamma     *float64
	maxPixels *int
	fit       *string
	workers   *int
	verbose   *bool
}

func addConvFlags(fs *flag.FlagSet) *convFlags {
	return &convFlags{
		budget:    fs.Int("budget", defaultBudget(), "Maximum encoded characters"),
		cpp:       fs.Int("cpp", plan.DefaultCharsPerPixel, "Estimated characters per pixel"),
		margin:    fs.Float64("margin", plan.DefaultMargin, "Safety margin on the size estimate"),
		gamma:     fs.Float64("gamma", decode.DefaultScreenGamma, "Screen gamma (0 disables correction)"),
		maxPixels: fs.Int("max-pixels", decode.DefaultMaxSourcePixels, "Largest accepted source image in pixels (0 = no limit)"),
		fit:       fs.String("fit", "estimate", "Budget fit mode: estimate, strict or shrink"),
		workers:   fs.Int("workers", 1, "Resampling goroutines (0 = GOMAXPROCS)"),
		verbose:   fs.Bool("v", false, "Verbose logging"),
	}
}

func (f *convFlags) options() (convert.Options, error) {
	logs.Verbose = *f.verbose

	fit, err := convert.ParseFit(*f.fit)
	if err != nil {
		return convert.Options{}, err
	}
	opts := convert.DefaultOptions()
	opts.Plan = plan.Config{
		Budget:        *f.budget,
		CharsPerPixel: *f.cpp,
		Margin:        float32(*f.margin),
	}
	opts.Decode.ScreenGamma = *f.gamma
	opts.Decode.MaxSourcePixels = *f.maxPixels
	opts.Fit = fit
	opts.Workers = *f.workers
	if err := opts.Plan.Validate(); err != nil {
		return convert.Options{}, err
	}
	return opts, nil
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	args := os.Args[1:]
	var err error
	switch {
	case len(args) > 0 && args[0] == "ingest":
		err = runIngest(ctx, args[1:])
	case len(args) > 0 && args[0] == "serve":
		err = runServe(ctx, args[1:])
	default:
		err = runConvert(ctx, args)
	}
	if err != nil {
		log.Fatalf("pixtext: %v", err)
	}
}

func runConvert(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pixtext", flag.ExitOnError)
	cf := addConvFlags(fs)
	previewPath := fs.String("preview", "", "Also write a WebP preview of the resampled image")
	showVersion := fs.Bool("version", false, "Print version and exit")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: pixtext [flags] <input_filename> [output_filename]\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if *showVersion {
		fmt.Printf("pixtext %s (%s) built %s\n", version, commit, date)
		return nil
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fs.Usage()
		os.Exit(1)
	}

	opts, err := cf.options()
	if err != nil {
		return err
	}

	in := fs.Arg(0)
	out := "output.txt"
	if fs.NArg() == 2 {
		out = fs.Arg(1)
	}

	var res *convert.Result
	if out == "-" {
		f, err := os.Open(in)
		if err != nil {
			return fmt.Errorf("%w: %w", convert.ErrSourceUnreadable, err)
		}
		defer f.Close()
		if res, err = convert.Convert(ctx, f, opts); err != nil {
			return err
		}
		if _, err := res.WriteTo(os.Stdout); err != nil {
			return fmt.Errorf("%w: %w", convert.ErrOutputUnwritable, err)
		}
	} else {
		if res, err = convert.ConvertFile(ctx, in, out, opts); err != nil {
			return err
		}
		log.Printf("converted %s (%v) to %s: %v at factor %.4f, %d chars",
			in, res.Source, out, res.Target, res.Factor, len(res.Text))
	}

	if *previewPath != "" {
		data, w, h, err := preview.WebP(res.Grid, preview.DefaultMaxWidth)
		if err != nil {
			return err
		}
		if err := store.WriteFileAtomic(*previewPath, data, 0o644); err != nil {
			return fmt.Errorf("write preview: %w", err)
		}
		logs.V("wrote %dx%d preview to %s", w, h, *previewPath)
	}
	return nil
}

// openData opens the catalog and blob store under dataDir.
func openData(dataDir string) (*catalog.DB, *store.Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	cat, err := catalog.Open(filepath.Join(dataDir, "catalog.db"))
	if err != nil {
		return nil, nil, err
	}
	blobs, err := store.Open(filepath.Join(dataDir, "encodings"))
	if err != nil {
		cat.Close()
		return nil, nil, err
	}
	return cat, blobs, nil
}

func runIngest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pixtext ingest", flag.ExitOnError)
	cf := addConvFlags(fs)
	dataDir := fs.String("data", defaultDataDir(), "Data directory")
	fs.Parse(args)

	if fs.NArg() == 0 {
		return errors.New("ingest: no sources given")
	}
	opts, err := cf.options()
	if err != nil {
		return err
	}

	cat, blobs, err := openData(*dataDir)
	if err != nil {
		return err
	}
	defer cat.Close()
	defer blobs.Close()

	ing := ingest.New(cat, blobs, opts)
	n, err := ing.Run(ctx, fs.Args())
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	log.Printf("ingested %d new conversions", n)
	return nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pixtext serve", flag.ExitOnError)
	cf := addConvFlags(fs)
	addr := fs.String("addr", ":8430", "Listen address")
	dataDir := fs.String("data", defaultDataDir(), "Data directory")
	tailnetOnly := fs.Bool("tailnet-only", false, "Bind only to the Tailscale interface")
	convertRate := fs.Float64("rate", server.DefaultConfig().ConvertRate, "Conversions per second (0 = unlimited)")
	fs.Parse(args)

	opts, err := cf.options()
	if err != nil {
		return err
	}
	if opts.Workers == 1 {
		// Requests already run concurrently; let each one use the cores too.
		opts.Workers = 0
	}

	cat, blobs, err := openData(*dataDir)
	if err != nil {
		return err
	}
	defer cat.Close()
	defer blobs.Close()

	cfg := server.DefaultConfig()
	cfg.ConvertRate = *convertRate
	handler := server.New(ingest.New(cat, blobs, opts), cat, blobs, cfg)

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	var ln net.Listener
	if *tailnetOnly {
		// tsnet binds directly to the tailnet, no public exposure.
		ts := &tsnet.Server{
			Hostname: "pixtext",
			Dir:      filepath.Join(*dataDir, "tsnet"),
		}
		defer ts.Close()

		ln, err = ts.Listen("tcp", *addr)
		if err != nil {
			return fmt.Errorf("tsnet listen: %w", err)
		}
		log.Printf("pixtext %s listening on tailnet (hostname: pixtext, addr: %s)", version, ln.Addr())
	} else {
		ln, err = net.Listen("tcp", *addr)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		log.Printf("pixtext %s listening on %s", version, *addr)
	}

	if err := srv.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func defaultBudget() int {
	if s := os.Getenv("PIXTEXT_BUDGET"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
		log.Printf("ignoring invalid PIXTEXT_BUDGET %q", s)
	}
	return plan.DefaultBudget
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "pixtext")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "pixtext")
}
