// Package dropwatch analyzes drop images dropped into a directory. Existing
// files are processed first; new ones are picked up through fsnotify once
// their writes settle. Each file ends up in processed/ or failed/ and gets a
// DropScan row.
package dropwatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"dropscan/models"
	"dropscan/pkg/drop"
)

const (
	ProcessedDir = "processed"
	FailedDir    = "failed"

	defaultDebounce = 300 * time.Millisecond
)

// Analyzer is the part of drop.Analyzer the watcher needs.
type Analyzer interface {
	AnalyzeFile(ctx context.Context, path string) (drop.Result, error)
}

// Recorder stores scan audit rows.
type Recorder interface {
	RecordScan(ctx context.Context, scan *models.DropScan) error
}

type Watcher struct {
	Dir      string
	Workers  int
	Debounce time.Duration
	Analyzer Analyzer
	Recorder Recorder
	Logger   *zap.Logger
}

func (w *Watcher) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}

func effectiveWorkers(n int) int {
	if n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// Scan processes the images currently in Dir and returns when all are done.
func (w *Watcher) Scan(ctx context.Context) error {
	files, err := listImageFiles(w.Dir)
	if err != nil {
		return err
	}
	ch := make(chan string, len(files))
	for _, f := range files {
		ch <- f
	}
	close(ch)
	w.runWorkerPool(ctx, ch)
	return nil
}

// Run scans Dir, then watches it until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.Dir, err)
	}
	// files created between Add and the end of Scan are seen twice; the
	// second attempt finds them gone and is skipped
	if err := w.Scan(ctx); err != nil {
		return err
	}
	w.logger().Info("watching for drops", zap.String("dir", w.Dir))

	fileCh := make(chan string, 256)
	go w.debounce(ctx, fw, fileCh)
	w.runWorkerPool(ctx, fileCh)
	return nil
}

// debounce forwards image names once no event has touched them for the
// debounce window. It closes out when ctx is done.
func (w *Watcher) debounce(ctx context.Context, fw *fsnotify.Watcher, out chan<- string) {
	defer close(out)
	window := w.Debounce
	if window <= 0 {
		window = defaultDebounce
	}
	pending := map[string]time.Time{}
	ticker := time.NewTicker(window / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			if !isSupportedExt(name) {
				continue
			}
			pending[name] = time.Now()
		case <-ticker.C:
			now := time.Now()
			for name, t := range pending {
				if now.Sub(t) >= window {
					select {
					case out <- name:
					case <-ctx.Done():
						return
					}
					delete(pending, name)
				}
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger().Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) runWorkerPool(ctx context.Context, names <-chan string) {
	var wg sync.WaitGroup
	for i := 0; i < effectiveWorkers(w.Workers); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range names {
				// unprocessed files stay in Dir for the next run
				if ctx.Err() != nil {
					return
				}
				w.processFile(ctx, name)
			}
		}()
	}
	wg.Wait()
}

func (w *Watcher) processFile(ctx context.Context, name string) {
	path := filepath.Join(w.Dir, name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return
	}
	log := w.logger().With(zap.String("file", name))

	res, err := w.Analyzer.AnalyzeFile(ctx, path)
	if err != nil && ctx.Err() != nil {
		log.Info("shutting down; drop left in place", zap.Error(err))
		return
	}
	scan := models.DropScan{
		DropID:    res.DropID,
		Source:    path,
		SlotCount: res.Slots,
		Resolved:  res.Resolved(),
	}
	if scan.DropID == "" {
		scan.DropID = uuid.NewString()
	}
	dest := ProcessedDir
	if err != nil {
		dest = FailedDir
		scan.Fail(err)
		log.Warn("drop failed", zap.String("drop_id", scan.DropID), zap.Error(err))
	} else {
		for i, c := range res.Cards {
			log.Info("card",
				zap.String("drop_id", scan.DropID),
				zap.Int("slot", i),
				zap.String("name", c.Character.Name),
				zap.String("series", c.Character.Series),
				zap.Bool("resolved", c.Resolved))
		}
	}
	if err := w.Recorder.RecordScan(ctx, &scan); err != nil {
		log.Error("record scan", zap.Error(err))
	}
	if err := moveTo(w.Dir, dest, name); err != nil {
		log.Error("move drop", zap.String("dest", dest), zap.Error(err))
	}
}

func listImageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !isSupportedExt(e.Name()) {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

func isSupportedExt(name string) bool {
	// hidden files are partial downloads
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return true
	}
	return false
}

// moveTo moves dir/name into dir/sub/name. It attempts an atomic rename and
// falls back to copy+remove when necessary.
func moveTo(dir, sub, name string) error {
	dstDir := filepath.Join(dir, sub)
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return err
	}
	src, dst := filepath.Join(dir, name), filepath.Join(dstDir, name)
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	return copyRemove(src, dst)
}

func copyRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
