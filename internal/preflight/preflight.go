// Package preflight checks that external binaries exist before a feature
// that needs them starts.
package preflight

import (
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/logger"
)

// DefaultTTL is how long a lookup result is trusted.
const DefaultTTL = 30 * time.Second

// Binary describes an external tool and what needs it.
type Binary struct {
	Name    string
	Purpose string
}

// KnownBinaries lists every external tool radiords can drive.
var KnownBinaries = []Binary{
	{Name: "rtl_fm", Purpose: "receiver and demodulator"},
	{Name: "sox", Purpose: "mono to stereo conversion"},
	{Name: "redsea", Purpose: "RDS decoder"},
	{Name: "play", Purpose: "playback sink"},
	{Name: "amixer", Purpose: "volume control"},
	{Name: "lame", Purpose: "mp3 recording"},
	{Name: "flac", Purpose: "flac recording"},
	{Name: "oggenc", Purpose: "ogg recording"},
}

// Result is the outcome for one binary.
type Result struct {
	Name    string `json:"name"`
	Purpose string `json:"purpose"`
	Path    string `json:"path,omitempty"`
	Found   bool   `json:"found"`
}

// GetLogger returns the preflight module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("preflight")
}

// Checker resolves binaries on PATH and caches the answer.
type Checker struct {
	cache    *cache.Cache
	lookPath func(string) (string, error)
}

// Option configures a Checker.
type Option func(*Checker)

// WithLookPath replaces exec.LookPath, for tests.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(c *Checker) { c.lookPath = fn }
}

// NewChecker creates a Checker whose results expire after ttl.
func NewChecker(ttl time.Duration, opts ...Option) *Checker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Checker{
		// Expired entries are skipped by Get; no janitor goroutine is needed.
		cache:    cache.New(ttl, 0),
		lookPath: exec.LookPath,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type lookup struct {
	path string
	err  error
}

// Lookup returns the absolute path of name or a dependency-missing error.
func (c *Checker) Lookup(name string) (string, error) {
	if v, ok := c.cache.Get(name); ok {
		l := v.(lookup)
		return l.path, l.err
	}

	path, err := c.lookPath(name)
	if err != nil {
		err = errors.New(fmt.Errorf("required program %q not found in PATH", name)).
			Component("preflight").
			Category(errors.CategoryDependencyMissing).
			Context("binary", name).
			Build()
		GetLogger().Debug("binary missing", logger.String("binary", name))
	}
	c.cache.SetDefault(name, lookup{path: path, err: err})
	return path, err
}

// Require checks every name and reports all missing ones in one error.
func (c *Checker) Require(names ...string) error {
	var missing []string
	for _, name := range names {
		if _, err := c.Lookup(name); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return errors.Newf("missing required programs: %s", strings.Join(missing, ", ")).
		Component("preflight").
		Category(errors.CategoryDependencyMissing).
		Context("binaries", missing).
		Build()
}

// Report checks binaries and returns one result each, in input order.
func (c *Checker) Report(binaries []Binary) []Result {
	results := make([]Result, 0, len(binaries))
	for _, b := range binaries {
		path, err := c.Lookup(b.Name)
		results = append(results, Result{Name: b.Name, Purpose: b.Purpose, Path: path, Found: err == nil})
	}
	return results
}

// Invalidate forgets all cached lookups.
func (c *Checker) Invalidate() {
	c.cache.Flush()
}

// CommandBinaries extracts the program names from a shell pipeline such as
// "rtl_fm -f 98M - | redsea -r 171000". Leading VAR=value assignments are skipped.
func CommandBinaries(commandLine string) []string {
	var names []string
	for segment := range strings.SplitSeq(commandLine, "|") {
		for _, field := range strings.Fields(segment) {
			if strings.Contains(field, "=") && !strings.HasPrefix(field, "-") {
				continue
			}
			if !slices.Contains(names, field) {
				names = append(names, field)
			}
			break
		}
	}
	return names
}
