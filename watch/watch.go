// Package watch runs express mode for every image dropped into a directory.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chaos-io/megaphototool/pipeline"
	"github.com/chaos-io/megaphototool/util"
	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 300 * time.Millisecond

// ErrSkipped is returned by ProcessFile for files that are not images.
var ErrSkipped = errors.New("not an image")

type Options struct {
	InDir    string
	OutDir   string
	Pipeline *pipeline.Pipeline
	Params   pipeline.Params
	// Debounce is how long a file must stay unchanged before it is picked up.
	Debounce time.Duration
	Logger   *slog.Logger
	// OnResult, if set, is called after every file with the written path or the error.
	OnResult func(src, dst string, err error)
}

type Watcher struct {
	opts Options
	log  *slog.Logger
}

func New(opts Options) (*Watcher, error) {
	if opts.InDir == "" || opts.OutDir == "" {
		return nil, errors.New("input and output directories are required")
	}
	in, err := filepath.Abs(opts.InDir)
	if err != nil {
		return nil, err
	}
	out, err := filepath.Abs(opts.OutDir)
	if err != nil {
		return nil, err
	}
	if in == out {
		return nil, fmt.Errorf("output directory %s must differ from the watched one", out)
	}
	if opts.Pipeline == nil {
		opts.Pipeline = pipeline.New(pipeline.Options{})
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := os.MkdirAll(out, os.ModePerm); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	opts.InDir, opts.OutDir = in, out
	return &Watcher{opts: opts, log: opts.Logger}, nil
}

// Run watches the input directory until ctx is done. Files are processed one at a time.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		_ = fw.Close()
	}()
	if err := fw.Add(w.opts.InDir); err != nil {
		return fmt.Errorf("watch %s: %w", w.opts.InDir, err)
	}
	w.log.Info("watching (debounced)", "dir", w.opts.InDir, "out", w.opts.OutDir)

	// pending maps a path to the time of its last event
	pending := map[string]time.Time{}
	ticker := time.NewTicker(w.opts.Debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				if isSupportedExt(ev.Name) {
					pending[ev.Name] = time.Now()
				}
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", "err", err)
		case <-ticker.C:
			for _, name := range stable(pending, time.Now(), w.opts.Debounce) {
				delete(pending, name)
				w.handle(ctx, name)
			}
		}
	}
}

// stable returns the pending paths quiet for at least d, sorted by name.
func stable(pending map[string]time.Time, now time.Time, d time.Duration) []string {
	var out []string
	for name, t := range pending {
		if now.Sub(t) >= d {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (w *Watcher) handle(ctx context.Context, src string) {
	dst, err := w.ProcessFile(ctx, src)
	switch {
	case errors.Is(err, ErrSkipped):
		w.log.Debug("skipped", "file", src)
	case err != nil:
		w.log.Error("processing failed", "file", src, "err", err)
	default:
		w.log.Info("saved", "file", src, "out", dst)
	}
	if w.opts.OnResult != nil {
		w.opts.OnResult(src, dst, err)
	}
}

// ProcessFile runs src through the pipeline in express mode and writes the artifact to the output directory.
func (w *Watcher) ProcessFile(ctx context.Context, src string) (string, error) {
	data, err := util.OpenImage(src)
	if err != nil {
		return "", err
	}
	mediaType := util.MediaType(data)
	if !pipeline.IsImage(mediaType) {
		return "", fmt.Errorf("%w: %s is %s", ErrSkipped, filepath.Base(src), mediaType)
	}

	a, err := w.opts.Pipeline.Express(ctx, pipeline.Upload{
		Name:      filepath.Base(src),
		MediaType: mediaType,
		Data:      data,
	}, w.opts.Params)
	if err != nil {
		return "", err
	}

	dst := uniquePath(filepath.Join(w.opts.OutDir, a.Name))
	if err := os.WriteFile(dst, a.PNG, 0o644); err != nil {
		return "", fmt.Errorf("write output: %w", err)
	}
	return dst, nil
}

// uniquePath appends -1, -2, ... before the extension while path is taken.
func uniquePath(path string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); err != nil {
			return path
		}
		path = fmt.Sprintf("%s-%d%s", base, i, ext)
	}
}

func isSupportedExt(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp":
		return true
	}
	return false
}
