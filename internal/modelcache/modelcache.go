package modelcache

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/forPelevin/vidcap/internal/ports"
	"github.com/forPelevin/vidcap/internal/types"
)

// Cache holds at most one loaded model/processor pair. Asking for a different
// model id replaces the entry.
type Cache struct {
	loader ports.ModelLoader
	opts   types.LoadOptions
	log    logrus.FieldLogger

	mu        sync.Mutex
	id        string
	model     ports.Model
	processor ports.Processor
	loads     int
}

func New(loader ports.ModelLoader, opts types.LoadOptions, log logrus.FieldLogger) *Cache {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Cache{loader: loader, opts: opts, log: log}
}

// DefaultLoadOptions prefers bf16 with automatic device placement and no
// speech head.
func DefaultLoadOptions(attnImpl string) types.LoadOptions {
	return types.LoadOptions{
		DType:         "bfloat16",
		DeviceMap:     "auto",
		AttnImpl:      attnImpl,
		DisableTalker: true,
	}
}

func (c *Cache) GetOrLoad(ctx context.Context, modelID string) (ports.Model, ports.Processor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.model != nil && c.processor != nil && c.id == modelID {
		return c.model, c.processor, nil
	}

	log := c.log.WithField("model_id", modelID)
	if c.id != "" {
		log = log.WithField("evicting", c.id)
	}
	log.Info("loading model")

	m, p, err := c.loader.Load(ctx, modelID, c.opts)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "load model %s", modelID)
	}
	c.loads++
	c.id, c.model, c.processor = modelID, m, p
	log.WithField("loads", c.loads).Info("model loaded")
	return m, p, nil
}

// Loaded returns the id of the cached model, or "" when empty.
func (c *Cache) Loaded() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Loads counts successful loads over the cache lifetime.
func (c *Cache) Loads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads
}
