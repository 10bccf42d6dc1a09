package api

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/samcharles93/epicrisis/internal/inference"
	"github.com/samcharles93/epicrisis/internal/logger"
	"github.com/samcharles93/epicrisis/internal/metrics"
	"github.com/samcharles93/epicrisis/internal/model"
)

// GeneratorProvider hands out generators by model id.
type GeneratorProvider interface {
	WithGenerator(ctx context.Context, modelID string, fn func(g *inference.Generator, defaults model.GenerationDefaults) error) error
	ListModels() ([]string, error)
}

type ProviderConfig struct {
	DefaultModelPath string
	ModelsPath       string
	Loader           inference.Loader
	// IdleTTL evicts a model that has not served a request for this long.
	// Zero keeps models loaded until Close.
	IdleTTL time.Duration
	Logger  logger.Logger
}

// CachedProvider loads each model once and keeps it in an expiring cache.
// Requests against the same model are serialized by the entry lock.
type CachedProvider struct {
	cfg   ProviderConfig
	log   logger.Logger
	cache *ttlcache.Cache[string, *generatorEntry]

	loadMu sync.Mutex
}

type generatorEntry struct {
	mu     sync.Mutex
	result *inference.LoadResult
	gen    *inference.Generator
	// closed is set under mu once eviction has released the session.
	closed bool
}

// lockLive locks the entry and reports whether its session is still open.
// On false the entry is left unlocked.
func (e *generatorEntry) lockLive() bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	return true
}

// EnvModelsDir names the environment variable consulted when no models path
// is configured.
const EnvModelsDir = "EPICRISIS_MODELS_DIR"

func NewCachedProvider(cfg ProviderConfig) *CachedProvider {
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	cache := ttlcache.New[string, *generatorEntry](
		ttlcache.WithTTL[string, *generatorEntry](ttl),
	)
	p := &CachedProvider{cfg: cfg, log: log, cache: cache}
	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *generatorEntry]) {
		entry := item.Value()
		// Wait for an in-flight generation before releasing the session.
		entry.mu.Lock()
		err := entry.result.Close()
		entry.closed = true
		entry.mu.Unlock()
		metrics.ModelsLoaded.Dec()
		metrics.ModelEvictions.Inc()
		p.log.Info("model unloaded", "path", item.Key(), "reason", evictionReason(reason), "error", err)
	})
	go cache.Start()
	return p
}

// Close unloads every model and stops the expiry loop.
func (p *CachedProvider) Close() {
	p.cache.DeleteAll()
	p.cache.Stop()
}

func (p *CachedProvider) WithGenerator(ctx context.Context, modelID string, fn func(g *inference.Generator, defaults model.GenerationDefaults) error) error {
	path, err := p.resolveModelPath(modelID)
	if err != nil {
		return err
	}
	entry, err := p.acquire(path)
	if err != nil {
		return err
	}
	defer entry.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(entry.gen, entry.result.Defaults)
}

// LoadedID reports whether the model with the given id is currently
// cached.
func (p *CachedProvider) LoadedID(modelID string) bool {
	path, err := p.resolveModelPath(modelID)
	if err != nil {
		return false
	}
	return p.cache.Has(path)
}

// acquire returns the locked entry for path, reloading the model when an
// eviction closed the entry between lookup and lock.
func (p *CachedProvider) acquire(path string) (*generatorEntry, error) {
	for {
		entry, err := p.getOrLoad(path)
		if err != nil {
			return nil, err
		}
		if entry.lockLive() {
			return entry, nil
		}
		p.log.Debug("model evicted before use, reloading", "path", path)
	}
}

func (p *CachedProvider) getOrLoad(path string) (*generatorEntry, error) {
	if item := p.cache.Get(path); item != nil {
		return item.Value(), nil
	}

	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	if item := p.cache.Get(path); item != nil {
		return item.Value(), nil
	}

	start := time.Now()
	res, err := p.cfg.Loader.Load(path)
	if err != nil {
		return nil, err
	}
	gen, err := res.Generator()
	if err != nil {
		_ = res.Close()
		return nil, err
	}
	entry := &generatorEntry{result: res, gen: gen}
	p.cache.Set(path, entry, ttlcache.DefaultTTL)
	metrics.ModelsLoaded.Inc()
	p.log.Info("model loaded", "path", path, "topology", res.SpecPath, "duration", time.Since(start))
	return entry, nil
}

func (p *CachedProvider) resolveModelPath(modelID string) (string, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID != "" {
		if looksLikePath(modelID) {
			return filepath.Clean(modelID), nil
		}
		if p.cfg.DefaultModelPath != "" && modelName(p.cfg.DefaultModelPath) == modelID {
			return filepath.Clean(p.cfg.DefaultModelPath), nil
		}
		modelsDir := p.modelsDir()
		if modelsDir == "" {
			return "", fmt.Errorf("%w: models path is required to resolve model %q", ErrModelNotFound, modelID)
		}
		cand := filepath.Join(modelsDir, modelID)
		if isModelDir(cand) {
			return cand, nil
		}
		return "", fmt.Errorf("%w: model %q not found in %s", ErrModelNotFound, modelID, modelsDir)
	}

	if p.cfg.DefaultModelPath != "" {
		return filepath.Clean(p.cfg.DefaultModelPath), nil
	}
	modelsDir := p.modelsDir()
	if modelsDir == "" {
		return "", newInvalidRequest("model is required")
	}
	models, err := DiscoverModels(modelsDir)
	if err != nil {
		return "", err
	}
	switch len(models) {
	case 1:
		return models[0], nil
	case 0:
		return "", fmt.Errorf("%w: no models found in %s", ErrModelNotFound, modelsDir)
	default:
		return "", newInvalidRequest(fmt.Sprintf("multiple models found in %s; specify model", modelsDir))
	}
}

// ListModels returns the ids of the default model and every model directory
// under the models path.
func (p *CachedProvider) ListModels() ([]string, error) {
	var ids []string
	if p.cfg.DefaultModelPath != "" {
		ids = append(ids, modelName(p.cfg.DefaultModelPath))
	}
	if dir := p.modelsDir(); dir != "" {
		models, err := DiscoverModels(dir)
		if err != nil {
			return nil, err
		}
		for _, m := range models {
			ids = append(ids, modelName(m))
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

func (p *CachedProvider) modelsDir() string {
	if strings.TrimSpace(p.cfg.ModelsPath) != "" {
		return strings.TrimSpace(p.cfg.ModelsPath)
	}
	return strings.TrimSpace(os.Getenv(EnvModelsDir))
}

func looksLikePath(v string) bool {
	return strings.ContainsRune(v, filepath.Separator) || strings.HasSuffix(strings.ToLower(v), ".safetensors")
}

// modelName derives a model id from its path: the directory name, or for a
// weights file the name of the directory that holds it.
func modelName(path string) string {
	path = filepath.Clean(path)
	if st, err := os.Stat(path); err == nil && !st.IsDir() {
		path = filepath.Dir(path)
	}
	return filepath.Base(path)
}

// isModelDir reports whether dir carries a topology or a Hugging Face
// config.json.
func isModelDir(dir string) bool {
	for _, name := range []string{"topology.yaml", "topology.yml", "topology.json", "config.json"} {
		if st, err := os.Stat(filepath.Join(dir, name)); err == nil && !st.IsDir() {
			return true
		}
	}
	return false
}

// DiscoverModels returns the model directories directly under dir.
func DiscoverModels(dir string) ([]string, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("models path is not a directory: %s", dir)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	models := make([]string, 0, len(ents))
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		cand := filepath.Join(dir, e.Name())
		if isModelDir(cand) {
			models = append(models, cand)
		}
	}
	return models, nil
}

func evictionReason(r ttlcache.EvictionReason) string {
	switch r {
	case ttlcache.EvictionReasonExpired:
		return "idle"
	case ttlcache.EvictionReasonDeleted:
		return "deleted"
	case ttlcache.EvictionReasonCapacityReached:
		return "capacity"
	default:
		return "unknown"
	}
}
