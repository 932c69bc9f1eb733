package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"dropscan/pkg/config"
	"dropscan/pkg/drop"
	"dropscan/pkg/logging"
	"dropscan/pkg/ocr"
	"dropscan/pkg/ocr/tesseract"
	"dropscan/pkg/resolver"
	"dropscan/pkg/store"
	"dropscan/process/dropwatch"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCLIApp(cfg, logger).RunContext(ctx, os.Args); err != nil {
		logger.Sugar().Errorf("%v", err)
		stop()
		os.Exit(1)
	}
}

// newCLIApp creates the CLI application with all commands.
func newCLIApp(cfg config.Config, logger *zap.Logger) *cli.App {
	a := &app{cfg: cfg, logger: logger, log: logger.Sugar()}
	return &cli.App{
		Name:  "dropscan",
		Usage: "Recognize the characters of card drop images",
		Commands: []*cli.Command{
			a.serveCmd(),
			a.migrateCmd(),
			a.analyzeCmd(),
			a.inspectCmd(),
			a.resolveCmd(),
			a.watchCmd(),
			a.tokenCmd(),
		},
	}
}

type app struct {
	cfg    config.Config
	logger *zap.Logger
	log    *zap.SugaredLogger
}

// pipeline wires store, resolver, OCR backend and analyzer. stop releases the
// OCR backend.
type pipeline struct {
	store    store.Store
	resolver *resolver.Resolver
	analyzer *drop.Analyzer
	stop     func()
}

func (a *app) openResolver() (store.Store, *resolver.Resolver, error) {
	s, err := openStore(a.cfg, a.log)
	if err != nil {
		return nil, nil, err
	}
	compiler, err := a.cfg.Compiler()
	if err != nil {
		return nil, nil, err
	}
	return s, resolver.New(s, compiler, a.logger.Named("resolver")), nil
}

func (a *app) openPipeline(ctx context.Context) (*pipeline, error) {
	s, r, err := a.openResolver()
	if err != nil {
		return nil, err
	}
	backend, stop, err := ocr.Select(ctx, a.cfg.OCRKind(),
		tesseract.Factory(tesseract.Config{
			Lang: a.cfg.OCR.Lang,
			PSM:  tesseract.DefaultConfig.PSM,
			OEM:  tesseract.DefaultConfig.OEM,
			DPI:  tesseract.DefaultConfig.DPI,
		}),
		a.cfg.OCR.PoolSize,
		ocr.SubprocessConfig{
			Binary: a.cfg.OCR.Binary,
			Lang:   a.cfg.OCR.Lang,
			PSM:    ocr.DefaultSubprocessConfig.PSM,
			OEM:    ocr.DefaultSubprocessConfig.OEM,
		},
		a.logger.Named("ocr"))
	if err != nil {
		return nil, err
	}
	a.log.Infow("ocr backend selected", "backend", a.cfg.OCRKind(), "pool_size", a.cfg.OCR.PoolSize)
	return &pipeline{
		store:    s,
		resolver: r,
		analyzer: &drop.Analyzer{
			Segmenter:    drop.Segmenter{Geometry: drop.DefaultGeometry, Contrast: a.cfg.Contrast()},
			Backend:      backend,
			Resolver:     r,
			Workers:      a.cfg.OCR.Workers,
			BatchResolve: a.cfg.Batch.Enabled,
			PrefixMode:   a.cfg.PrefixMode(),
			Logger:       a.logger.Named("drop"),
		},
		stop: stop,
	}, nil
}

func (a *app) serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: a.cfg.ListenAddr, Usage: "Listen address"},
		},
		Action: func(c *cli.Context) error {
			p, err := a.openPipeline(c.Context)
			if err != nil {
				return err
			}
			defer p.stop()

			if a.cfg.JWTSecret == "" {
				a.log.Warn("JWT_SECRET is not set; the API is unauthenticated")
			}
			r := gin.New()
			r.Use(gin.Recovery())
			setupRoutes(r, &server{
				analyzer:  p.analyzer,
				resolver:  p.resolver,
				store:     p.store,
				prefix:    a.cfg.PrefixMode(),
				client:    &http.Client{Timeout: 30 * time.Second},
				jwtSecret: []byte(a.cfg.JWTSecret),
				log:       a.logger.Named("http"),
			})
			srv := &http.Server{Addr: c.String("addr"), Handler: r, ReadHeaderTimeout: 10 * time.Second}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			a.log.Infow("listening", "addr", srv.Addr)

			select {
			case err := <-errCh:
				return err
			case <-c.Context.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func (a *app) migrateCmd() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or update the database schema and exit",
		Action: func(c *cli.Context) error {
			cfg := a.cfg
			cfg.DBAutoMigrate = false
			s, err := initDB(cfg, a.log)
			if err != nil {
				return err
			}
			if err := s.Migrate(); err != nil {
				return err
			}
			fmt.Println("migration completed")
			return nil
		},
	}
}

func (a *app) analyzeCmd() *cli.Command {
	return &cli.Command{
		Name:      "analyze",
		Usage:     "Analyze one drop image and print its cards as JSON",
		ArgsUsage: "<file>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("analyze takes exactly one file")
			}
			p, err := a.openPipeline(c.Context)
			if err != nil {
				return err
			}
			defer p.stop()
			res, err := p.analyzer.AnalyzeFile(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			return outputJSON(res.Cards)
		},
	}
}

func (a *app) inspectCmd() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print raw and repaired OCR text of every field of a drop",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Usage: "Directory to save the normalized image and field crops"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("inspect takes exactly one file")
			}
			data, err := os.ReadFile(c.Args().First())
			if err != nil {
				return err
			}
			p, err := a.openPipeline(c.Context)
			if err != nil {
				return err
			}
			defer p.stop()
			reports, err := p.analyzer.Inspect(c.Context, data, c.String("out"))
			if err != nil {
				return err
			}
			return outputJSON(reports)
		},
	}
}

func (a *app) resolveCmd() *cli.Command {
	return &cli.Command{
		Name:  "resolve",
		Usage: "Resolve a name and series to a stored character",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Required: true},
			&cli.StringFlag{Name: "series", Aliases: []string{"s"}, Required: true},
		},
		Action: func(c *cli.Context) error {
			_, r, err := a.openResolver()
			if err != nil {
				return err
			}
			ch, err := r.Resolve(c.Context, c.String("name"), c.String("series"))
			if err != nil {
				return err
			}
			if ch == nil {
				return fmt.Errorf("no character matches %q / %q", c.String("name"), c.String("series"))
			}
			return outputJSON(ch)
		},
	}
}

func (a *app) watchCmd() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Analyze drop images placed in a directory",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Value: a.cfg.Watch.Dir, Usage: "Directory to watch"},
			&cli.IntFlag{Name: "workers", Value: a.cfg.Watch.Workers, Usage: "Concurrent files (0 = NumCPU)"},
			&cli.BoolFlag{Name: "once", Usage: "Process existing files and exit"},
		},
		Action: func(c *cli.Context) error {
			p, err := a.openPipeline(c.Context)
			if err != nil {
				return err
			}
			defer p.stop()
			w := &dropwatch.Watcher{
				Dir:      c.String("dir"),
				Workers:  c.Int("workers"),
				Debounce: a.cfg.Watch.Debounce,
				Analyzer: p.analyzer,
				Recorder: p.store,
				Logger:   a.logger.Named("watch"),
			}
			if c.Bool("once") {
				return w.Scan(c.Context)
			}
			return w.Run(c.Context)
		},
	}
}

func (a *app) tokenCmd() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Mint an API bearer token",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "subject", Required: true},
			&cli.DurationFlag{Name: "ttl", Value: tokenTTL},
		},
		Action: func(c *cli.Context) error {
			if a.cfg.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}
			tok, err := issueToken([]byte(a.cfg.JWTSecret), c.String("subject"), c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
