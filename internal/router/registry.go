package router

import (
	"fmt"
	"sync"

	"github.com/mitchellh/mapstructure"

	"example.com/h2mux/internal/logger"
)

// HandlerFactory builds a handler from the opaque handler_config of a route.
type HandlerFactory func(handlerConfig map[string]interface{}, lg *logger.Logger) (HandlerFunc, error)

// HandlerRegistry maps HandlerType strings from the configuration to the
// factories that build them. It is safe for concurrent use.
type HandlerRegistry struct {
	mu        sync.RWMutex
	factories map[string]HandlerFactory
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		factories: make(map[string]HandlerFactory),
	}
}

// Register associates handlerType with factory. A type can only be
// registered once.
func (r *HandlerRegistry) Register(handlerType string, factory HandlerFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[handlerType]; exists {
		return fmt.Errorf("handler type '%s' already registered", handlerType)
	}
	r.factories[handlerType] = factory
	return nil
}

// GetFactory retrieves the factory registered for handlerType.
func (r *HandlerRegistry) GetFactory(handlerType string) (HandlerFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[handlerType]
	return factory, ok
}

// CreateHandler builds a handler of handlerType. It fails if the type is not
// registered or the factory rejects handlerConfig.
func (r *HandlerRegistry) CreateHandler(handlerType string, handlerConfig map[string]interface{}, lg *logger.Logger) (HandlerFunc, error) {
	factory, ok := r.GetFactory(handlerType)
	if !ok {
		return nil, fmt.Errorf("no handler factory registered for type '%s'", handlerType)
	}
	if lg == nil {
		lg = logger.Nop()
	}
	h, err := factory(handlerConfig, lg.With(logger.LogFields{"handler_type": handlerType}))
	if err != nil {
		return nil, fmt.Errorf("creating handler type '%s': %w", handlerType, err)
	}
	return h, nil
}

// decodeHandlerConfig converts the generic handler_config map into the typed
// struct a factory expects. Keys follow the struct's json tags and unknown
// keys are rejected.
func decodeHandlerConfig(raw map[string]interface{}, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		TagName:     "json",
		Result:      dst,
	})
	if err != nil {
		return fmt.Errorf("building handler_config decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("invalid handler_config: %w", err)
	}
	return nil
}
