// Package deps computes the set of headers a translation unit depends on.
//
// The resolver follows #include directives from a root source file, looking
// each name up the way the compiler would (the including file's directory for
// quoted includes, then the include directories, then the system include
// directories) and probing candidates through the existence cache. Conditional
// blocks are skipped when the supplied definitions decide them; anything it
// cannot decide is followed.
package deps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/Norgate-AV/buildaccel/internal/existence"
	"github.com/Norgate-AV/buildaccel/internal/logging"
	"github.com/Norgate-AV/buildaccel/internal/metrics"
	"github.com/Norgate-AV/buildaccel/internal/utils"
)

// ErrResolution is returned when the root file, a header, or an include directory cannot be read
var ErrResolution = errors.New("dependency resolution failed")

const (
	DefaultParseCacheTTL      = 10 * time.Minute
	DefaultParseCacheCapacity = 50_000
)

// Request describes one closure computation
type Request struct {
	RootFile          string
	IncludeDirs       []string
	SystemIncludeDirs []string

	// Definitions maps macro names to values; an empty value means 1
	Definitions map[string]string

	Epoch existence.Epoch
}

// Options configures a Resolver
type Options struct {
	// Fs is read for sources and headers (the OS filesystem when nil)
	Fs afero.Fs

	CaseInsensitive bool

	ParseCacheTTL      time.Duration
	ParseCacheCapacity uint64

	Logger   *slog.Logger
	Recorder metrics.Recorder
}

type parseKey struct {
	path  string
	size  int64
	mtime int64
}

// Resolver computes dependency closures. It is safe for concurrent use.
type Resolver struct {
	checker  existence.Checker
	fs       afero.Fs
	foldCase bool
	parsed   *ttlcache.Cache[parseKey, []directive]
	logger   *slog.Logger
	recorder metrics.Recorder
}

// NewResolver creates a resolver probing candidates through checker
func NewResolver(checker existence.Checker, opts Options) *Resolver {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	ttl := opts.ParseCacheTTL
	if ttl <= 0 {
		ttl = DefaultParseCacheTTL
	}

	capacity := opts.ParseCacheCapacity
	if capacity == 0 {
		capacity = DefaultParseCacheCapacity
	}

	return &Resolver{
		checker:  checker,
		fs:       fs,
		foldCase: opts.CaseInsensitive,
		parsed: ttlcache.New[parseKey, []directive](
			ttlcache.WithTTL[parseKey, []directive](ttl),
			ttlcache.WithCapacity[parseKey, []directive](capacity),
		),
		logger:   logging.Component(opts.Logger, "deps"),
		recorder: metrics.OrNoop(opts.Recorder),
	}
}

// ResolveDependencies returns the sorted, de-duplicated headers reachable from
// req.RootFile. The root file itself is never part of the result.
func (r *Resolver) ResolveDependencies(ctx context.Context, req Request) ([]string, error) {
	start := time.Now()

	closure, err := r.resolve(ctx, req)
	r.recorder.ObserveResolve(time.Since(start), len(closure), err == nil)

	return closure, err
}

func (r *Resolver) resolve(ctx context.Context, req Request) ([]string, error) {
	root, err := filepath.Abs(req.RootFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrResolution, req.RootFile, err)
	}

	includeDirs, err := r.usableDirs(req.IncludeDirs)
	if err != nil {
		return nil, err
	}

	systemDirs, err := r.usableDirs(req.SystemIncludeDirs)
	if err != nil {
		return nil, err
	}

	w := &walk{
		r:           r,
		epoch:       req.Epoch,
		env:         newMacroEnv(req.Definitions),
		includeDirs: includeDirs,
		systemDirs:  systemDirs,
		visited:     map[string]bool{r.key(root): true},
	}

	if err := w.visit(ctx, root); err != nil {
		return nil, err
	}

	sort.Strings(w.found)

	return w.found, nil
}

// usableDirs drops missing include directories and fails on ones that cannot be read
func (r *Resolver) usableDirs(dirs []string) ([]string, error) {
	out := make([]string, 0, len(dirs))

	for _, dir := range dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("%w: include directory %s: %w", ErrResolution, dir, err)
		}

		info, err := r.fs.Stat(abs)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("%w: include directory %s: %w", ErrResolution, dir, err)
		}

		if info.IsDir() {
			out = append(out, abs)
		}
	}

	return out, nil
}

func (r *Resolver) key(path string) string {
	return utils.NormalizePath(path, r.foldCase)
}

// directives returns the parsed directives of path, reusing earlier parses of unchanged files
func (r *Resolver) directives(path string) ([]directive, error) {
	info, err := r.fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrResolution, path, err)
	}

	key := parseKey{path: path, size: info.Size(), mtime: info.ModTime().UnixNano()}
	if item := r.parsed.Get(key); item != nil {
		return item.Value(), nil
	}

	src, err := afero.ReadFile(r.fs, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrResolution, path, err)
	}

	dirs := parseDirectives(src)
	r.parsed.Set(key, dirs, ttlcache.DefaultTTL)

	return dirs, nil
}

// walk is the state of one closure computation
type walk struct {
	r           *Resolver
	epoch       existence.Epoch
	env         *macroEnv
	includeDirs []string
	systemDirs  []string
	visited     map[string]bool
	found       []string
}

func (w *walk) visit(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dirs, err := w.r.directives(path)
	if err != nil {
		return err
	}

	var cond condStack

	for _, d := range dirs {
		switch d.kind {
		case dirIf, dirIfdef, dirIfndef:
			cond.push(w.env.evalDirective(d))
		case dirElif:
			cond.elif(w.env.evalDirective(d))
		case dirElse:
			cond.els()
		case dirEndif:
			cond.pop()
		case dirDefine, dirUndef:
			if cond.live() {
				w.env.touch(d.arg)
			}
		case dirInclude:
			if !cond.live() {
				continue
			}

			if d.computed {
				w.r.logger.Debug("skipping computed include", logging.KeyPath, path)
				continue
			}

			header, ok := w.lookup(path, d)
			if !ok {
				w.r.logger.Debug("include not found", logging.KeyPath, path, "include", d.arg)
				continue
			}

			key := w.r.key(header)
			if w.visited[key] {
				continue
			}

			w.visited[key] = true
			w.found = append(w.found, header)

			if err := w.visit(ctx, header); err != nil {
				return err
			}
		}
	}

	return nil
}

// lookup resolves an include name in compiler search order; first match wins
func (w *walk) lookup(includer string, d directive) (string, bool) {
	name := filepath.FromSlash(d.arg)

	if filepath.IsAbs(name) {
		name = filepath.Clean(name)
		return name, w.r.checker.FileExists(name, w.epoch)
	}

	search := make([]string, 0, 1+len(w.includeDirs)+len(w.systemDirs))
	if !d.angled {
		search = append(search, filepath.Dir(includer))
	}
	search = append(search, w.includeDirs...)
	search = append(search, w.systemDirs...)

	for _, dir := range search {
		candidate := filepath.Join(dir, name)
		if w.r.checker.FileExists(candidate, w.epoch) {
			return candidate, true
		}
	}

	return "", false
}

// Subtract removes the headers already baked into a precompiled header from a closure
func Subtract(closure, pchClosure []string) []string {
	return lo.Without(closure, pchClosure...)
}
