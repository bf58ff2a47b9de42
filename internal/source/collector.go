// Package source enumerates configured content sources into (uri, content)
// pairs for the ingestion pipeline.
package source

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/nesall/rag-code-assistant/internal/config"
)

// Entry is one collected document.
type Entry struct {
	Content string
	URI     string
}

// FileStat describes a candidate source without its content. URL sources
// report Size -1: their payload size is unknown until fetched.
type FileStat struct {
	URI     string
	ModTime time.Time
	Size    int64
	IsURL   bool
}

// Collector expands the configured source items.
type Collector struct {
	items        []config.SourceItem
	maxFileSize  int64
	defaultExts  []string
	globalIgnore *gitignore.GitIgnore
	client       *http.Client
}

// NewCollector builds a collector from the files and sources sections of
// the configuration.
func NewCollector(cfg *config.Config) *Collector {
	return &Collector{
		items:        cfg.Sources,
		maxFileSize:  int64(cfg.Files.MaxFileSizeMb) * 1024 * 1024,
		defaultExts:  cfg.Files.DefaultExtensions,
		globalIgnore: gitignore.CompileIgnoreLines(cfg.Files.GlobalExclude...),
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    16,
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}
}

// Collect reads every configured source. Unreadable resources are logged
// and skipped, never fatal.
func (c *Collector) Collect(ctx context.Context) []Entry {
	var entries []Entry
	for _, item := range c.items {
		switch item.Type {
		case "directory":
			c.collectDirectory(ctx, item, &entries)
		case "file":
			if e, ok := c.readFile(item.Path); ok {
				entries = append(entries, e)
			}
		case "url":
			if e, err := c.fetchURL(ctx, item.URL, item.Headers, item.TimeoutMs); err == nil {
				entries = append(entries, e)
			} else {
				log.Printf("unable to process resource %s: %v (skipped)", item.URL, err)
			}
		}
	}
	return entries
}

// Stat enumerates the current source set without reading file contents.
// The updater joins this against the tracked-file table.
func (c *Collector) Stat(ctx context.Context) []FileStat {
	var stats []FileStat
	for _, item := range c.items {
		switch item.Type {
		case "directory":
			c.walkDirectory(ctx, item, func(path string, info fs.FileInfo) {
				stats = append(stats, FileStat{
					URI:     filepath.ToSlash(path),
					ModTime: info.ModTime(),
					Size:    info.Size(),
				})
			})
		case "file":
			if info, err := os.Stat(item.Path); err == nil {
				stats = append(stats, FileStat{
					URI:     filepath.ToSlash(item.Path),
					ModTime: info.ModTime(),
					Size:    info.Size(),
				})
			}
		case "url":
			stats = append(stats, FileStat{URI: item.URL, Size: -1, IsURL: true})
		}
	}
	return stats
}

// Fetch retrieves a single source by uri, re-reading the file or re-issuing
// the URL request it came from.
func (c *Collector) Fetch(ctx context.Context, uri string) (Entry, error) {
	if strings.Contains(uri, "://") {
		for _, item := range c.items {
			if item.Type == "url" && item.URL == uri {
				return c.fetchURL(ctx, uri, item.Headers, item.TimeoutMs)
			}
		}
		return c.fetchURL(ctx, uri, nil, 0)
	}

	data, err := os.ReadFile(filepath.FromSlash(uri))
	if err != nil {
		return Entry{}, fmt.Errorf("fetch %s: %w", uri, err)
	}
	return Entry{Content: string(data), URI: uri}, nil
}

// Roots returns the configured directory roots, used by the event watcher.
func (c *Collector) Roots() []string {
	var roots []string
	for _, item := range c.items {
		if item.Type == "directory" {
			roots = append(roots, item.Path)
		}
	}
	return roots
}

func (c *Collector) collectDirectory(ctx context.Context, item config.SourceItem, entries *[]Entry) {
	c.walkDirectory(ctx, item, func(path string, info fs.FileInfo) {
		if e, ok := c.readFile(path); ok {
			*entries = append(*entries, e)
		}
	})
}

// walkDirectory visits regular files under the item's path, honoring the
// recursive flag, the item's extension and exclusion filters, and the
// global exclude list.
func (c *Collector) walkDirectory(ctx context.Context, item config.SourceItem, visit func(string, fs.FileInfo)) {
	exts := item.Extensions
	if len(exts) == 0 {
		exts = c.defaultExts
	}

	err := filepath.WalkDir(item.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, rerr := filepath.Rel(item.Path, path)
		if rerr != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if path != item.Path {
				if !item.Recursive {
					return filepath.SkipDir
				}
				if c.globalIgnore.MatchesPath(rel) {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if c.globalIgnore.MatchesPath(rel) {
			return nil
		}
		if isExcluded(path, item.Exclude) {
			return nil
		}
		if len(exts) > 0 && !hasValidExtension(path, exts) {
			return nil
		}

		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		visit(path, info)
		return nil
	})
	if err != nil && err != context.Canceled {
		log.Printf("unable to process resource %s: %v (skipped)", item.Path, err)
	}
}

// readFile loads one file, enforcing the global size cap.
func (c *Collector) readFile(path string) (Entry, bool) {
	if c.maxFileSize > 0 {
		info, err := os.Stat(path)
		if err != nil {
			log.Printf("unable to process resource %s: %v (skipped)", path, err)
			return Entry{}, false
		}
		if info.Size() > c.maxFileSize {
			log.Printf("file %s exceeds max allowed size of %d MB (skipped)", path, c.maxFileSize/(1024*1024))
			return Entry{}, false
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("unable to process resource %s: %v (skipped)", path, err)
		return Entry{}, false
	}
	return Entry{Content: string(data), URI: filepath.ToSlash(path)}, true
}

func (c *Collector) fetchURL(ctx context.Context, url string, headers map[string]string, timeoutMs int) (Entry, error) {
	if timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Entry{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Entry{}, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, fmt.Errorf("read %s: %w", url, err)
	}
	return Entry{Content: string(body), URI: url}, nil
}

// isExcluded matches the item-level wildcard patterns: "*suffix",
// "prefix*", "*substring*", or a bare substring. Paths are compared with
// forward slashes.
func isExcluded(path string, patterns []string) bool {
	p := filepath.ToSlash(path)
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		starPrefix := strings.HasPrefix(pattern, "*")
		starSuffix := strings.HasSuffix(pattern, "*")
		trimmed := strings.Trim(pattern, "*")
		switch {
		case starPrefix && starSuffix:
			if strings.Contains(p, trimmed) {
				return true
			}
		case starPrefix:
			if strings.HasSuffix(p, trimmed) {
				return true
			}
		case starSuffix:
			if strings.HasPrefix(p, trimmed) {
				return true
			}
		default:
			if strings.Contains(p, pattern) {
				return true
			}
		}
	}
	return false
}

// hasValidExtension suffix-matches the path against the extension filter.
func hasValidExtension(path string, extensions []string) bool {
	for _, ext := range extensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// FilterRelatedSources returns tracked paths whose filename stem contains
// the stem of uri. This surfaces header/source pairs and test files next
// to an implementation file.
func FilterRelatedSources(tracked []string, uri string) []string {
	stem := Stem(uri)
	if stem == "" {
		return nil
	}
	var related []string
	for _, t := range tracked {
		if t == uri {
			continue
		}
		if strings.Contains(Stem(t), stem) {
			related = append(related, t)
		}
	}
	return related
}

// Stem returns the base filename without its extension.
func Stem(uri string) string {
	base := filepath.Base(filepath.ToSlash(uri))
	return strings.TrimSuffix(base, filepath.Ext(base))
}
