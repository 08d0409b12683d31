package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/abdrafdev/agrimind/internal/model"
)

// DatasetObservation is one record in an authoritative dataset.
type DatasetObservation struct {
	Value      float64
	ObservedAt time.Time
}

// DatasetAdapter serves observations from an authoritative dataset held in
// memory. File parsing and schema loading stay outside the core; callers
// hand in the already-decoded records (or load them lazily via a Loader).
type DatasetAdapter struct {
	name   string
	loader Loader

	mu   sync.RWMutex
	data map[string]DatasetObservation // "domain/key" -> observation
}

// Loader fetches dataset records on demand, keyed by domain. It is called
// at most once per domain; results are retained for the adapter's lifetime.
type Loader func(ctx context.Context, domain string) (map[string]DatasetObservation, error)

// NewDatasetAdapter creates a dataset adapter over static records.
// Keys are "domain/key" pairs joined with a slash.
func NewDatasetAdapter(name string, records map[string]DatasetObservation) *DatasetAdapter {
	if records == nil {
		records = make(map[string]DatasetObservation)
	}
	return &DatasetAdapter{name: name, data: records}
}

// NewDatasetAdapterWithLoader creates a dataset adapter that populates
// records per domain through loader on first access.
func NewDatasetAdapterWithLoader(name string, loader Loader) *DatasetAdapter {
	return &DatasetAdapter{name: name, loader: loader, data: make(map[string]DatasetObservation)}
}

func datasetKey(domain, key string) string { return domain + "/" + key }

// Fetch returns the dataset observation for domain/key.
func (d *DatasetAdapter) Fetch(ctx context.Context, domain, key string) (model.RawValue, error) {
	d.mu.RLock()
	obs, ok := d.data[datasetKey(domain, key)]
	d.mu.RUnlock()

	if !ok && d.loader != nil {
		loaded, err := d.loader(ctx, domain)
		if err != nil {
			return model.RawValue{}, fmt.Errorf("dataset %q: load domain %q: %w", d.name, domain, ErrUnavailable)
		}
		d.mu.Lock()
		for k, v := range loaded {
			d.data[datasetKey(domain, k)] = v
		}
		obs, ok = d.data[datasetKey(domain, key)]
		d.mu.Unlock()
	}

	if !ok {
		return model.RawValue{}, fmt.Errorf("dataset %q: no record for %s/%s: %w", d.name, domain, key, ErrUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return model.RawValue{}, err
	}
	return model.RawValue{Value: obs.Value, ObservedAt: obs.ObservedAt, Provider: d.name}, nil
}

// Put inserts or replaces a record. Intended for ingest pipelines and tests.
func (d *DatasetAdapter) Put(domain, key string, obs DatasetObservation) {
	d.mu.Lock()
	d.data[datasetKey(domain, key)] = obs
	d.mu.Unlock()
}

// Tier returns the dataset tier.
func (d *DatasetAdapter) Tier() model.SourceTier { return model.TierDataset }

// Name returns the provider name.
func (d *DatasetAdapter) Name() string { return d.name }

// Healthy reports whether the adapter holds any records at all.
func (d *DatasetAdapter) Healthy(_ context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.data) == 0 && d.loader == nil {
		return fmt.Errorf("dataset %q: empty: %w", d.name, ErrUnavailable)
	}
	return nil
}
