// Package fsresources exposes the files under a directory as MCP resources.
// Files present when the provider is built become fixed-URI resources; a URI
// template covers everything that appears later. Watch keeps an inventory of
// the tree current via inotify so reads and listings stay cheap.
package fsresources

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"

	"github.com/relaykit/mcp-adapter-go/mcp"
	"github.com/relaykit/mcp-adapter-go/registry"
)

// DefaultBaseURI prefixes every resource URI the provider serves.
const DefaultBaseURI = "file:///"

// Provider serves the files under one root directory.
type Provider struct {
	root    string
	baseURI string
	log     *slog.Logger

	mu    sync.RWMutex
	known map[string]struct{}
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURI overrides the URI prefix. It must end in a separator.
func WithBaseURI(base string) Option {
	return func(p *Provider) {
		if base != "" {
			p.baseURI = base
		}
	}
}

// WithLogger sets the provider logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// New scans root and builds a Provider over its current contents.
func New(root string, opts ...Option) (*Provider, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", abs)
	}
	p := &Provider{
		root:    abs,
		baseURI: DefaultBaseURI,
		log:     slog.New(slog.DiscardHandler),
		known:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.rescan(); err != nil {
		return nil, err
	}
	return p, nil
}

// IsResolver marks the provider's definitions as dispatchable.
func (p *Provider) IsResolver() {}

// Resources returns one fixed resource per file found at construction time
// plus a template covering later arrivals.
func (p *Provider) Resources() []registry.ResourceDef {
	defs := make([]registry.ResourceDef, 0, len(p.List())+1)
	for _, rel := range p.List() {
		defs = append(defs, registry.ResourceDef{
			Name:     path.Base(rel),
			URI:      p.baseURI + rel,
			MimeType: mimeTypeFor(rel),
			Handler:  p.read,
		})
	}
	defs = append(defs, registry.ResourceDef{
		Name:        "file",
		Description: "Reads a file under the served directory by relative path.",
		URITemplate: p.baseURI + "{+path}",
		Handler:     p.read,
	})
	return defs
}

// List returns the known relative paths in sorted order.
func (p *Provider) List() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.known))
	for rel := range p.known {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out
}

func (p *Provider) read(ctx context.Context, req *registry.ResourceRequest) ([]mcp.ResourceContents, error) {
	rel, ok := p.relFromRequest(req)
	if !ok {
		return nil, fmt.Errorf("uri %q is outside the served tree", req.URI)
	}
	data, err := os.ReadFile(filepath.Join(p.root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	contents := mcp.ResourceContents{URI: req.URI, MimeType: mimeTypeFor(rel)}
	if utf8.Valid(data) {
		contents.Text = string(data)
	} else {
		contents.Blob = base64.StdEncoding.EncodeToString(data)
	}
	return []mcp.ResourceContents{contents}, nil
}

// relFromRequest extracts the relative path from either the template
// variable or the raw URI, and rejects anything escaping the root.
func (p *Provider) relFromRequest(req *registry.ResourceRequest) (string, bool) {
	rel := req.Variables["path"]
	if rel == "" {
		var ok bool
		rel, ok = strings.CutPrefix(req.URI, p.baseURI)
		if !ok {
			return "", false
		}
	}
	rel = path.Clean("/" + rel)[1:]
	if rel == "" || rel == "." {
		return "", false
	}
	full := filepath.Join(p.root, filepath.FromSlash(rel))
	if full != p.root && !strings.HasPrefix(full, p.root+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

// Watch follows filesystem events under the root and keeps the inventory
// current until ctx is canceled. Directories created later are watched too.
func (p *Provider) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer w.Close()

	addDirs := func() {
		_ = filepath.WalkDir(p.root, func(fp string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				_ = w.Add(fp)
			}
			return nil
		})
	}
	addDirs()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					addDirs()
				}
			}
			if err := p.rescan(); err != nil {
				p.log.WarnContext(ctx, "fsresources.rescan.fail", slog.String("err", err.Error()))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.log.WarnContext(ctx, "fsresources.watch.fail", slog.String("err", err.Error()))
		}
	}
}

func (p *Provider) rescan() error {
	known := make(map[string]struct{})
	err := filepath.WalkDir(p.root, func(fp string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		rel, err := filepath.Rel(p.root, fp)
		if err != nil {
			return nil
		}
		known[filepath.ToSlash(rel)] = struct{}{}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", p.root, err)
	}
	p.mu.Lock()
	p.known = known
	p.mu.Unlock()
	return nil
}

func mimeTypeFor(rel string) string {
	if mt := mime.TypeByExtension(path.Ext(rel)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}
