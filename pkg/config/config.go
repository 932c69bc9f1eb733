// Package config reads process configuration from the environment, after
// loading a local .env file when present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"dropscan/pkg/fuzzy"
	"dropscan/pkg/ocr"
	"dropscan/pkg/store"
)

type Config struct {
	DBDSN         string `env:"DB_DSN"`
	Store         string `env:"STORE" envDefault:"postgres"`
	DBAutoMigrate bool   `env:"DB_AUTO_MIGRATE" envDefault:"true"`
	ListenAddr    string `env:"LISTEN_ADDR" envDefault:":8081"`
	JWTSecret     string `env:"JWT_SECRET"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	OCR   OCR
	Fuzzy Fuzzy
	Batch Batch
	Watch Watch
}

type OCR struct {
	Backend            string  `env:"OCR_BACKEND" envDefault:"pooled"`
	PoolSize           int     `env:"OCR_POOL_SIZE" envDefault:"9"`
	Workers            int     `env:"OCR_WORKERS"`
	PooledContrast     float64 `env:"OCR_POOLED_CONTRAST" envDefault:"80"`
	SubprocessContrast float64 `env:"OCR_SUBPROCESS_CONTRAST" envDefault:"40"`
	Binary             string  `env:"TESSERACT_BIN" envDefault:"tesseract"`
	Lang               string  `env:"TESSERACT_LANG" envDefault:"eng"`
}

type Fuzzy struct {
	TablePath  string `env:"FUZZY_TABLE_PATH"`
	ShortLen   int    `env:"FUZZY_SHORT_LEN" envDefault:"6"`
	PartialLen int    `env:"FUZZY_PARTIAL_LEN" envDefault:"23"`
	TrimWidth  int    `env:"FUZZY_TRIM_WIDTH" envDefault:"2"`
}

type Batch struct {
	Enabled    bool   `env:"BATCH_RESOLVE" envDefault:"false"`
	PrefixMode string `env:"PREFIX_MODE" envDefault:"name"`
}

type Watch struct {
	Dir      string        `env:"WATCH_DIR" envDefault:"./drops"`
	Workers  int           `env:"WATCH_WORKERS"`
	Debounce time.Duration `env:"WATCH_DEBOUNCE" envDefault:"300ms"`
}

// Load reads .env (variables already set in the environment win) and parses
// the environment into a Config.
func Load() (Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit dotenv path. A missing file is ignored.
func LoadFile(path string) (Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if _, err := ocr.ParseKind(c.OCR.Backend); err != nil {
		errs = append(errs, err)
	}
	if _, err := store.ParsePrefixMode(c.Batch.PrefixMode); err != nil {
		errs = append(errs, err)
	}
	switch c.Store {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store %q (want postgres or memory)", c.Store))
	}
	if c.OCR.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("OCR_POOL_SIZE must be positive, got %d", c.OCR.PoolSize))
	}
	return errors.Join(errs...)
}

// OCRKind is the validated backend kind.
func (c Config) OCRKind() ocr.Kind {
	k, _ := ocr.ParseKind(c.OCR.Backend)
	return k
}

// PrefixMode is the validated batch prefix mode.
func (c Config) PrefixMode() store.PrefixMode {
	m, _ := store.ParsePrefixMode(c.Batch.PrefixMode)
	return m
}

// Contrast is the segmenter contrast for the configured backend.
func (c Config) Contrast() float64 {
	if c.OCRKind() == ocr.KindSubprocess {
		return c.OCR.SubprocessContrast
	}
	return c.OCR.PooledContrast
}

// Compiler builds the fuzzy pattern compiler from the configured table and
// tuning.
func (c Config) Compiler() (*fuzzy.Compiler, error) {
	table := fuzzy.DefaultTable
	if c.Fuzzy.TablePath != "" {
		t, err := fuzzy.LoadTable(c.Fuzzy.TablePath)
		if err != nil {
			return nil, err
		}
		table = t
	}
	tuning := fuzzy.DefaultTuning
	tuning.ShortLen = c.Fuzzy.ShortLen
	tuning.PartialLen = c.Fuzzy.PartialLen
	tuning.TrimWidth = c.Fuzzy.TrimWidth
	if floor := 2 * tuning.TrimWidth; tuning.MinTrimLen < floor {
		tuning.MinTrimLen = floor
	}
	return fuzzy.NewCompiler(table, tuning)
}
