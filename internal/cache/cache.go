package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"CaisaChat/internal/backend"
)

// FetchFunc lists the models installed on the server at baseURL
type FetchFunc func(ctx context.Context, baseURL string) ([]string, error)

// Result is one memoized directory lookup.
// Models is empty, never nil, when Warning is set.
type Result struct {
	Models  []string
	Warning string
}

// Directory memoizes model listings per server address. Failures are
// memoized too, so a down server is not retried on every page render;
// Invalidate is the way to ask again.
type Directory struct {
	fetch  FetchFunc
	logger *slog.Logger

	mu      sync.RWMutex
	results map[string]Result
	gens    map[string]uint64 // bumped by Invalidate; a flight started under an older value is discarded
	group   singleflight.Group

	fetches metric.Int64Counter
}

// FetchFromOllama lists models with a fresh backend client
func FetchFromOllama(ctx context.Context, baseURL string) ([]string, error) {
	return backend.NewClient(baseURL).ModelNames(ctx)
}

// NewDirectory creates an empty directory. A nil fetch uses FetchFromOllama.
func NewDirectory(fetch FetchFunc, logger *slog.Logger) *Directory {
	if fetch == nil {
		fetch = FetchFromOllama
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Directory{
		fetch:   fetch,
		logger:  logger,
		results: make(map[string]Result),
		gens:    make(map[string]uint64),
	}

	counter, err := otel.Meter("CaisaChat/internal/cache").Int64Counter(
		"caisachat.directory.fetches",
		metric.WithDescription("Model directory lookups"),
	)
	if err == nil {
		d.fetches = counter
	}
	return d
}

// Models returns the sorted model names for baseURL. It never fails: on
// any error the result carries an empty list and a user-facing warning.
func (d *Directory) Models(ctx context.Context, baseURL string) Result {
	if r, ok := d.lookup(baseURL); ok {
		d.count(ctx, true)
		return r
	}

	v, _, _ := d.group.Do(baseURL, func() (interface{}, error) {
		if r, ok := d.lookup(baseURL); ok {
			return r, nil
		}
		d.count(ctx, false)
		d.mu.RLock()
		gen := d.gens[baseURL]
		d.mu.RUnlock()

		// Callers that join this flight must not inherit our cancellation.
		names, err := d.fetch(context.WithoutCancel(ctx), baseURL)
		r := Result{Models: names}
		if err != nil {
			r = Result{
				Models:  []string{},
				Warning: fmt.Sprintf("Could not fetch models from Ollama at %s: %v", baseURL, err),
			}
			d.logger.Warn("model directory fetch failed", "base_url", baseURL, "error", err)
		} else if r.Models == nil {
			r.Models = []string{}
		}

		d.mu.Lock()
		if d.gens[baseURL] == gen {
			d.results[baseURL] = r
		}
		d.mu.Unlock()
		return r, nil
	})
	return clone(v.(Result))
}

func (d *Directory) lookup(baseURL string) (Result, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.results[baseURL]
	if !ok {
		return Result{}, false
	}
	return clone(r), true
}

func clone(r Result) Result {
	models := make([]string, len(r.Models))
	copy(models, r.Models)
	return Result{Models: models, Warning: r.Warning}
}

func (d *Directory) count(ctx context.Context, cached bool) {
	if d.fetches == nil {
		return
	}
	d.fetches.Add(ctx, 1, metric.WithAttributes(attribute.Bool("cached", cached)))
}

// Invalidate forgets the memoized listing for baseURL. A lookup already in
// flight still answers its own callers but its result is not memoized.
func (d *Directory) Invalidate(baseURL string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.results, baseURL)
	d.gens[baseURL]++
	d.group.Forget(baseURL)
}

// ResolveModel picks the model a session should use after a listing.
// An empty listing keeps current; otherwise current wins if installed,
// else the first installed model.
func ResolveModel(installed []string, current string) string {
	if len(installed) == 0 {
		return current
	}
	for _, name := range installed {
		if name == current {
			return current
		}
	}
	return installed[0]
}
