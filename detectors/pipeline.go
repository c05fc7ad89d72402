package detectors

import (
	"log/slog"
	"sync"

	"github.com/glimte/schemabus/schema"
)

// Detector inspects an envelope and returns headers to add. A nil or empty
// patch adds nothing.
type Detector interface {
	Detect(env *schema.Envelope) map[string]interface{}

	// Name returns the detector name for logging and debugging
	Name() string
}

// DetectorFunc is a function adapter for Detector
type DetectorFunc struct {
	name string
	fn   func(env *schema.Envelope) map[string]interface{}
}

// NewDetectorFunc creates a new function-based detector
func NewDetectorFunc(name string, fn func(env *schema.Envelope) map[string]interface{}) *DetectorFunc {
	return &DetectorFunc{name: name, fn: fn}
}

// Detect implements Detector
func (d *DetectorFunc) Detect(env *schema.Envelope) map[string]interface{} {
	return d.fn(env)
}

// Name implements Detector
func (d *DetectorFunc) Name() string {
	return d.name
}

// Pipeline is an ordered list of detectors
type Pipeline struct {
	mu        sync.RWMutex
	detectors []Detector
	logger    *slog.Logger
}

// NewPipeline creates an empty pipeline
func NewPipeline(logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		detectors: make([]Detector, 0),
		logger:    logger,
	}
}

// NewDefaultPipeline creates a pipeline holding the built-in detectors
func NewDefaultPipeline(logger *slog.Logger) *Pipeline {
	return NewPipeline(logger).Register(RemoteURIDetector())
}

// Register appends a detector. Registration order is execution order.
func (p *Pipeline) Register(detector Detector) *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.detectors = append(p.detectors, detector)
	return p
}

// Len returns the number of registered detectors
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.detectors)
}

// Run returns a new map holding base overlaid with every detector's patch.
// base is not modified.
func (p *Pipeline) Run(env *schema.Envelope, base map[string]interface{}) map[string]interface{} {
	p.mu.RLock()
	detectors := make([]Detector, len(p.detectors))
	copy(detectors, p.detectors)
	p.mu.RUnlock()

	merged := make(map[string]interface{}, len(base))
	for k, v := range base {
		merged[k] = v
	}

	for _, detector := range detectors {
		for k, v := range p.detect(detector, env) {
			merged[k] = v
		}
	}

	return merged
}

// detect runs one detector. A panicking detector contributes nothing.
func (p *Pipeline) detect(detector Detector, env *schema.Envelope) (patch map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("header detector panicked",
				"detector", detector.Name(),
				"contentType", env.ContentType(),
				"panic", r)
			patch = nil
		}
	}()

	return detector.Detect(env)
}
