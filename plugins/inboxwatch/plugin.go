// Package inboxwatch feeds wrapper exceptions dropped as files into the
// crashship bridge. Out-of-process runtimes write one msgpack file per
// exception into the inbox directory; each is tracked as a handled report
// and removed.
package inboxwatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/bft-labs/crashship/internal/domain"
	"github.com/bft-labs/crashship/pkg/crashship"
	"github.com/bft-labs/crashship/pkg/log"
)

// DropExt is the extension of drop files. Writers should create the file
// under another name and rename it into place.
const DropExt = ".exc"

const rejectedDir = "rejected"

// Drop is the content of one drop file.
type Drop struct {
	Exception   crashship.WrapperException `msgpack:"exception"`
	Properties  map[string]string          `msgpack:"properties,omitempty"`
	Attachments []DropAttachment           `msgpack:"attachments,omitempty"`
}

// DropAttachment is an attachment carried by a drop file.
type DropAttachment struct {
	Filename    string `msgpack:"filename"`
	ContentType string `msgpack:"content_type"`
	Data        []byte `msgpack:"data"`
}

// EncodeDrop serializes a drop file.
func EncodeDrop(d Drop) ([]byte, error) {
	return msgpack.Marshal(d)
}

// DecodeDrop parses a drop file.
func DecodeDrop(b []byte) (Drop, error) {
	var d Drop
	if err := msgpack.Unmarshal(b, &d); err != nil {
		return Drop{}, err
	}
	return d, nil
}

// Tracker records a handled wrapper exception.
type Tracker interface {
	TrackModelException(ctx context.Context, exc domain.WrapperException, props map[string]string, atts []domain.ErrorAttachmentLog) (string, error)
}

// Plugin watches the inbox directory.
type Plugin struct {
	mu sync.Mutex

	// Configuration
	dir           string
	debounceDelay time.Duration

	// Runtime state
	tracker Tracker
	logger  crashship.Logger
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Config holds configuration options for the inbox watcher plugin.
type Config struct {
	// Dir is the inbox directory.
	// Default: <StoreDir>/inbox
	Dir string

	// DebounceDelay is the delay to wait after a change before scanning.
	// Default: 100 milliseconds
	DebounceDelay time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{DebounceDelay: 100 * time.Millisecond}
}

// New creates a new inbox watcher plugin with the given configuration.
func New(cfg Config) *Plugin {
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = 100 * time.Millisecond
	}
	return &Plugin{
		dir:           cfg.Dir,
		debounceDelay: cfg.DebounceDelay,
	}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "inboxwatch"
}

// Dir returns the watched directory.
func (p *Plugin) Dir() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dir
}

// Initialize creates the inbox and starts watching it.
func (p *Plugin) Initialize(ctx context.Context, cfg crashship.PluginConfig) error {
	p.mu.Lock()
	p.logger = cfg.Logger
	if p.dir == "" {
		p.dir = filepath.Join(cfg.StoreDir, "inbox")
	}
	if p.tracker == nil && cfg.Crashship != nil {
		p.tracker = cfg.Crashship.Bridge()
	}
	dir := p.dir
	p.mu.Unlock()

	if p.tracker == nil {
		return errors.New("inboxwatch: no bridge to feed")
	}
	if err := os.MkdirAll(filepath.Join(dir, rejectedDir), 0o700); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch inbox: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info("inbox watcher initialized", log.String("dir", dir))

	p.wg.Add(1)
	go p.watchLoop(watchCtx, watcher)
	return nil
}

// Shutdown stops the watcher.
func (p *Plugin) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	return nil
}

// watchLoop scans the inbox once at start and again after every burst of
// changes.
func (p *Plugin) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer p.wg.Done()
	defer watcher.Close()

	p.scan(ctx)

	debounce := time.NewTimer(p.debounceDelay)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != DropExt {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(p.debounceDelay)

		case <-debounce.C:
			p.scan(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("inbox watcher error", log.Err(err))
		}
	}
}

// scan tracks every drop file in name order.
func (p *Plugin) scan(ctx context.Context) {
	dir := p.Dir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		p.logger.Error("inbox scan failed", log.Err(err))
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == DropExt {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		p.consume(ctx, filepath.Join(dir, name))
	}
}

func (p *Plugin) consume(ctx context.Context, path string) {
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn("inbox read failed", log.String("file", filepath.Base(path)))
		}
		return
	}
	drop, err := DecodeDrop(b)
	if err != nil {
		p.reject(path, err)
		return
	}

	atts := make([]domain.ErrorAttachmentLog, 0, len(drop.Attachments))
	for _, a := range drop.Attachments {
		atts = append(atts, domain.NewBinaryAttachment(a.Data, a.Filename, a.ContentType))
	}

	id, err := p.tracker.TrackModelException(ctx, drop.Exception, drop.Properties, atts)
	switch {
	case errors.Is(err, domain.ErrBridgeMisuse), errors.Is(err, domain.ErrInvalidAttachment):
		p.reject(path, err)
		return
	case err != nil:
		// Left in place for the next scan.
		p.logger.Warn("inbox exception not tracked",
			log.String("file", filepath.Base(path)),
			log.Err(err))
		return
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		p.logger.Warn("inbox remove failed", log.String("file", filepath.Base(path)))
	}
	p.logger.Debug("inbox exception tracked",
		log.String("file", filepath.Base(path)),
		log.String("id", id))
}

// reject moves a drop file aside so it is not retried.
func (p *Plugin) reject(path string, cause error) {
	name := filepath.Base(path)
	target := filepath.Join(filepath.Dir(path), rejectedDir, name)
	if err := os.Rename(path, target); err != nil {
		_ = os.Remove(path)
	}
	p.logger.Warn("inbox file rejected",
		log.String("file", name),
		log.Err(cause))
}

// Ensure Plugin implements crashship.Plugin.
var _ crashship.Plugin = (*Plugin)(nil)
