// Package fs discovers work items from files under a directory tree.
package fs

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/analyzer"
)

// Config controls which files become work items.
type Config struct {
	Root string `mapstructure:"root"`
	// Extensions limits discovery to these suffixes (case-insensitive, with
	// or without the leading dot). Empty means every regular file.
	Extensions []string `mapstructure:"extensions"`
	// MaxBytes skips files larger than this when positive.
	MaxBytes int64 `mapstructure:"max_bytes"`
}

// Discoverer walks Root and turns each matching file into a WorkItem. The
// group is the slash-separated parent directory relative to Root and the key
// is the normalized file stem.
type Discoverer struct {
	root       string
	extensions map[string]struct{}
	maxBytes   int64
	logger     *zap.Logger
}

var _ analyzer.Discoverer = (*Discoverer)(nil)

// New validates the root directory and builds a Discoverer.
func New(cfg Config, logger *zap.Logger) (*Discoverer, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("discovery root is required")
	}
	info, err := os.Stat(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("stat discovery root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("discovery root %s is not a directory", cfg.Root)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	exts := make(map[string]struct{}, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = struct{}{}
	}
	return &Discoverer{
		root:       cfg.Root,
		extensions: exts,
		maxBytes:   cfg.MaxBytes,
		logger:     logger,
	}, nil
}

// Discover returns items ordered by relative path. Hidden files and
// directories are skipped.
func (d *Discoverer) Discover(ctx context.Context) ([]analyzer.WorkItem, error) {
	var items []analyzer.WorkItem
	err := filepath.WalkDir(d.root, func(p string, entry iofs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p != d.root && strings.HasPrefix(entry.Name(), ".") {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() || !d.accepts(entry.Name()) {
			return nil
		}
		item, ok, err := d.load(p, entry)
		if err != nil {
			return err
		}
		if ok {
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", d.root, err)
	}
	slices.SortFunc(items, func(a, b analyzer.WorkItem) int {
		return strings.Compare(a.ID, b.ID)
	})
	d.logger.Info("work items discovered", zap.String("root", d.root), zap.Int("items", len(items)))
	return items, nil
}

func (d *Discoverer) accepts(name string) bool {
	if len(d.extensions) == 0 {
		return true
	}
	_, ok := d.extensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

func (d *Discoverer) load(p string, entry iofs.DirEntry) (analyzer.WorkItem, bool, error) {
	info, err := entry.Info()
	if err != nil {
		return analyzer.WorkItem{}, false, fmt.Errorf("stat %s: %w", p, err)
	}
	rel, err := filepath.Rel(d.root, p)
	if err != nil {
		return analyzer.WorkItem{}, false, fmt.Errorf("relative path for %s: %w", p, err)
	}
	rel = filepath.ToSlash(rel)
	if d.maxBytes > 0 && info.Size() > d.maxBytes {
		d.logger.Warn("skipping oversized file", zap.String("path", rel), zap.Int64("size", info.Size()))
		return analyzer.WorkItem{}, false, nil
	}
	data, err := os.ReadFile(p) // #nosec G304 -- path comes from walking the configured root.
	if err != nil {
		return analyzer.WorkItem{}, false, fmt.Errorf("read %s: %w", rel, err)
	}
	group := path.Dir(rel)
	if group == "." {
		group = ""
	}
	return analyzer.WorkItem{
		ID:      rel,
		Group:   group,
		Key:     NormalizeKey(strings.TrimSuffix(path.Base(rel), path.Ext(rel))),
		Payload: string(data),
		Info: map[string]any{
			"path": rel,
			"size": info.Size(),
		},
	}, true, nil
}

// NormalizeKey lowercases s and collapses every run of non-alphanumeric
// characters into one dash.
func NormalizeKey(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
