package pricing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// OverridesWatcher monitors the pricing overrides file and applies
// price changes to the live table without a restart.
type OverridesWatcher struct {
	table       *Table
	path        string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	lastModTime time.Time
}

// NewOverridesWatcher creates a watcher for the overrides file at path.
// The file does not need to exist yet.
func NewOverridesWatcher(table *Table, path string) (*OverridesWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ow := &OverridesWatcher{
		table:    table,
		path:     path,
		watcher:  watcher,
		stopChan: make(chan struct{}),
	}

	if stat, err := os.Stat(path); err == nil {
		ow.lastModTime = stat.ModTime()
	}

	return ow, nil
}

// Start applies any existing overrides, then begins watching the file
func (ow *OverridesWatcher) Start() error {
	ow.reload()

	dir := filepath.Dir(ow.path)
	if err := ow.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch pricing overrides directory, falling back to polling")
		go ow.pollForChanges()
		return nil
	}

	go ow.watchForChanges()
	log.Info().Str("path", ow.path).Msg("Watching pricing overrides file for changes")
	return nil
}

// Stop stops the watcher
func (ow *OverridesWatcher) Stop() {
	select {
	case <-ow.stopChan:
		return
	default:
		close(ow.stopChan)
	}
	ow.watcher.Close()
}

func (ow *OverridesWatcher) watchForChanges() {
	for {
		select {
		case event, ok := <-ow.watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != filepath.Base(ow.path) && event.Name != ow.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			// Debounce - wait a bit for the write to complete
			time.Sleep(100 * time.Millisecond)
			log.Info().Str("event", event.Op.String()).Msg("Detected pricing overrides change")
			ow.reload()

		case err, ok := <-ow.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Pricing overrides watcher error")

		case <-ow.stopChan:
			return
		}
	}
}

// pollForChanges is a fallback that polls the file's mod time
func (ow *OverridesWatcher) pollForChanges() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(ow.path)
			if err != nil {
				continue
			}
			if stat.ModTime().After(ow.lastModTime) {
				ow.lastModTime = stat.ModTime()
				log.Info().Msg("Detected pricing overrides change via polling")
				ow.reload()
			}

		case <-ow.stopChan:
			return
		}
	}
}

// reload reads the overrides file and applies every valid price. The
// file maps cycle names to KES amounts, e.g. {"monthly": "2200"}.
func (ow *OverridesWatcher) reload() {
	data, err := os.ReadFile(ow.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Str("path", ow.path).Msg("Failed to read pricing overrides file")
		}
		return
	}

	var overrides map[string]json.Number
	if err := json.Unmarshal(data, &overrides); err != nil {
		log.Error().Err(err).Str("path", ow.path).Msg("Invalid pricing overrides file, keeping current prices")
		return
	}

	applied := 0
	for cycle, raw := range overrides {
		price, err := decimal.NewFromString(raw.String())
		if err != nil {
			log.Error().Str("cycle", cycle).Str("value", raw.String()).Msg("Invalid price in overrides file")
			continue
		}
		if err := ow.table.SetPrice(Cycle(cycle), price); err != nil {
			log.Error().Err(err).Str("cycle", cycle).Msg("Rejected pricing override")
			continue
		}
		applied++
	}

	if applied > 0 {
		log.Info().Int("prices", applied).Str("path", ow.path).Msg("Applied pricing overrides")
	}
}
