package station

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/logger"
	"github.com/radiords/radiords/internal/observability/metrics"
)

const dbFilePermissions = 0o644

// GetLogger returns the station module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("station")
}

// MergeListener is notified after a merge has been persisted.
type MergeListener func(Station)

// Database maps frequency to Station. All merges are serialized and the
// whole database is written after every update.
type Database struct {
	mu       sync.Mutex
	path     string
	stations []*Station // few hundred at most; lookups scan with epsilon

	listenersMu sync.RWMutex
	listeners   []MergeListener

	metrics metrics.Recorder
	now     func() time.Time
	log     logger.Logger
}

// Option configures a Database.
type Option func(*Database)

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(db *Database) { db.metrics = metrics.OrNoOp(r) }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(db *Database) { db.now = now }
}

// Open loads the database at path. A missing file yields an empty database.
// An unreadable file is moved aside to path+".corrupt" so the next save does
// not destroy it, and an empty database is returned.
func Open(path string, opts ...Option) (*Database, error) {
	db := &Database{
		path:    path,
		metrics: metrics.NewNoOpRecorder(),
		now:     time.Now,
		log:     GetLogger(),
	}
	for _, opt := range opts {
		opt(db)
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return db, nil
	case err != nil:
		return nil, errors.New(fmt.Errorf("read station database: %w", err)).
			Component("station").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}

	stations, err := decode(data)
	if err != nil {
		aside := path + ".corrupt"
		db.log.Error("station database unreadable, starting empty",
			logger.String("path", path),
			logger.String("moved_to", aside),
			logger.Error(err))
		if renameErr := os.Rename(path, aside); renameErr != nil {
			db.log.Warn("could not move corrupt database aside", logger.Error(renameErr))
		}
		return db, nil
	}

	db.stations = stations
	db.log.Debug("station database loaded", logger.String("path", path), logger.Int("stations", len(stations)))
	return db, nil
}

// OnMerge registers a listener called after every persisted merge.
func (db *Database) OnMerge(fn MergeListener) {
	db.listenersMu.Lock()
	db.listeners = append(db.listeners, fn)
	db.listenersMu.Unlock()
}

// Path returns the backing file.
func (db *Database) Path() string { return db.path }

// Merge applies u to the station at freq, creating it if needed, and saves.
func (db *Database) Merge(freq float64, u *Update) (Station, error) {
	return db.MergeAll(freq, []*Update{u})
}

// MergeAll applies updates in order to the station at freq and saves once.
func (db *Database) MergeAll(freq float64, updates []*Update) (Station, error) {
	if len(updates) == 0 {
		return Station{}, errors.Newf("no updates to merge at %.3f MHz", freq).
			Component("station").
			Category(errors.CategoryValidation).
			Build()
	}

	db.mu.Lock()
	st := db.findLocked(freq)
	if st == nil {
		st = New(freq)
		db.stations = append(db.stations, st)
	}
	now := db.now()
	for _, u := range updates {
		st.Apply(u, now)
	}
	snapshot := st.Clone()
	err := db.saveLocked()
	db.mu.Unlock()

	if err != nil {
		db.metrics.RecordOperation(metrics.OpStationMerge, metrics.StatusError)
		return snapshot, err
	}
	db.metrics.RecordOperation(metrics.OpStationMerge, metrics.StatusSuccess)

	db.listenersMu.RLock()
	listeners := slices.Clone(db.listeners)
	db.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(snapshot)
	}
	return snapshot, nil
}

// Get returns the station at freq within FrequencyEpsilon.
func (db *Database) Get(freq float64) (Station, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()

	st := db.findLocked(freq)
	if st == nil {
		return Station{}, false
	}
	return st.Clone(), true
}

// All returns every station sorted by frequency.
func (db *Database) All() []Station {
	db.mu.Lock()
	defer db.mu.Unlock()

	out := make([]Station, 0, len(db.stations))
	for _, st := range db.stations {
		out = append(out, st.Clone())
	}
	slices.SortFunc(out, func(a, b Station) int { return cmp.Compare(a.Freq, b.Freq) })
	return out
}

// StationsWithRDS returns stations with a decoded PS, sorted by frequency.
func (db *Database) StationsWithRDS() []Station {
	all := db.All()
	return slices.DeleteFunc(all, func(s Station) bool { return s.PS == nil })
}

// Len returns the number of stations.
func (db *Database) Len() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.stations)
}

// Save writes the database to disk.
func (db *Database) Save() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.saveLocked()
}

func (db *Database) findLocked(freq float64) *Station {
	for _, st := range db.stations {
		if SameFrequency(st.Freq, freq) {
			return st
		}
	}
	return nil
}

func (db *Database) saveLocked() error {
	start := time.Now()
	data, err := encode(db.stations)
	if err != nil {
		return errors.New(fmt.Errorf("encode station database: %w", err)).
			Component("station").
			Category(errors.CategoryFileParsing).
			Build()
	}

	if dir := filepath.Dir(db.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.New(fmt.Errorf("create station database directory: %w", err)).
				Component("station").
				Category(errors.CategoryFileIO).
				Context("path", db.path).
				Build()
		}
	}

	if err := conf.WriteFileAtomic(db.path, data, dbFilePermissions); err != nil {
		db.metrics.RecordOperation(metrics.OpStationSave, metrics.StatusError)
		return errors.New(fmt.Errorf("save station database: %w", err)).
			Component("station").
			Category(errors.CategoryFileIO).
			Context("path", db.path).
			Build()
	}

	db.metrics.RecordOperation(metrics.OpStationSave, metrics.StatusSuccess)
	db.metrics.RecordDuration(metrics.OpStationSave, time.Since(start).Seconds())
	return nil
}

// FrequencyKey renders freq the way the database file keys it: shortest
// decimal form with at least one fractional digit, e.g. "98.5" or "100.0".
func FrequencyKey(freq float64) string {
	s := strconv.FormatFloat(freq, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func encode(stations []*Station) ([]byte, error) {
	out := make(map[string]*Station, len(stations))
	for _, st := range stations {
		out[FrequencyKey(st.Freq)] = st
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte) ([]*Station, error) {
	var raw map[string]*Station
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	stations := make([]*Station, 0, len(raw))
	for key, st := range raw {
		if st == nil {
			continue
		}
		freq, err := strconv.ParseFloat(key, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid frequency key %q: %w", key, err)
		}
		st.Freq = freq
		if st.AltFreqs == nil {
			st.AltFreqs = []float64{}
		}
		if existing := findIn(stations, freq); existing != nil {
			// Keys that collapse within epsilon keep the most recently seen record.
			if st.LastSeen.After(existing.LastSeen.Time) {
				*existing = *st
			}
			continue
		}
		stations = append(stations, st)
	}
	return stations, nil
}

func findIn(stations []*Station, freq float64) *Station {
	for _, st := range stations {
		if SameFrequency(st.Freq, freq) {
			return st
		}
	}
	return nil
}
