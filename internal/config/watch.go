package config

import (
	"context"
	"os"
	"time"
)

// CatalogWatcher polls experiences.yaml and publishes each valid revision.
type CatalogWatcher struct {
	Path     string
	Interval time.Duration
	// OnUpdate receives every successfully loaded revision, including the first.
	OnUpdate func(*CatalogConfig)
	// OnError receives load failures of later revisions; the previous revision stays active.
	OnError func(error)
}

// Start performs the initial load synchronously, then watches in the background until ctx ends.
func (w *CatalogWatcher) Start(ctx context.Context) error {
	path := w.Path
	if path == "" {
		path = "configs/experiences.yaml"
	}
	interval := w.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	cfg, err := LoadCatalogConfig(path)
	if err != nil {
		return err
	}
	w.publish(cfg)

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	lastMod := info.ModTime()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				info, err := os.Stat(path)
				if err != nil || !info.ModTime().After(lastMod) {
					continue
				}
				lastMod = info.ModTime()
				cfg, err := LoadCatalogConfig(path)
				if err != nil {
					if w.OnError != nil {
						w.OnError(err)
					}
					continue
				}
				w.publish(cfg)
			}
		}
	}()

	return nil
}

func (w *CatalogWatcher) publish(cfg *CatalogConfig) {
	if w.OnUpdate != nil {
		w.OnUpdate(cfg)
	}
}
