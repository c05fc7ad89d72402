package schema

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/glimte/schemabus/contracts"
	"github.com/xeipuuv/gojsonschema"
)

// Registry maps schema names and content-types to type descriptors.
// Registering a schema name again replaces the previous descriptor.
type Registry struct {
	namespace string
	logger    *slog.Logger

	mu     sync.RWMutex
	byName map[string]*TypeDescriptor
	byType map[string]*TypeDescriptor
}

// RegistryOption configures the Registry
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry whose content-types live under
// application/vnd.<namespace>.
func NewRegistry(namespace string, options ...RegistryOption) *Registry {
	r := &Registry{
		namespace: namespace,
		logger:    slog.Default(),
		byName:    make(map[string]*TypeDescriptor),
		byType:    make(map[string]*TypeDescriptor),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Namespace returns the vendor namespace of the content-type template
func (r *Registry) Namespace() string {
	return r.namespace
}

type registerConfig struct {
	root string
}

// RegisterOption configures a Register call
type RegisterOption func(*registerConfig)

// WithRoot sets the directory schema names are computed relative to
func WithRoot(root string) RegisterOption {
	return func(c *registerConfig) {
		c.root = root
	}
}

// Register loads a schema file, or every *.schema.json file below a
// directory, and returns the registered descriptors. The root defaults to
// the directory itself, or to the parent directory of a single file.
func (r *Registry) Register(path string, options ...RegisterOption) ([]*TypeDescriptor, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &contracts.NotFoundError{Kind: "schema path", Name: path, Err: err}
		}
		return nil, fmt.Errorf("failed to stat schema path %s: %w", path, err)
	}

	cfg := registerConfig{}
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.root == "" {
		if info.IsDir() {
			cfg.root = path
		} else {
			cfg.root = filepath.Dir(path)
		}
	}

	if !info.IsDir() {
		desc, err := r.registerFile(path, cfg.root)
		if err != nil {
			return nil, err
		}
		return []*TypeDescriptor{desc}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), FileSuffix) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan schema directory %s: %w", path, err)
	}
	sort.Strings(files)

	descriptors := make([]*TypeDescriptor, 0, len(files))
	for _, file := range files {
		desc, err := r.registerFile(file, cfg.root)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, desc)
	}

	r.logger.Debug("registered schema directory",
		"path", path,
		"count", len(descriptors),
	)

	return descriptors, nil
}

// RegisterBytes registers an in-memory schema under the given schema name.
// Relative $refs to other files cannot be resolved for such schemas.
func (r *Registry) RegisterBytes(schemaName string, data []byte) (*TypeDescriptor, error) {
	if schemaName == "" {
		return nil, contracts.InvalidArgument("schema name cannot be empty")
	}

	compiled, document, err := compile(data, "")
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", schemaName, err)
	}

	return r.store(r.newDescriptor(schemaName, "inline:"+schemaName, compiled, document)), nil
}

func (r *Registry) registerFile(path, root string) (*TypeDescriptor, error) {
	name, err := SchemaNameFromPath(path, root)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve schema path %s: %w", path, err)
	}
	location := (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()

	compiled, document, err := compile(data, location)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", path, err)
	}

	return r.store(r.newDescriptor(name, location, compiled, document)), nil
}

func (r *Registry) newDescriptor(name, location string, compiled *gojsonschema.Schema, document map[string]interface{}) *TypeDescriptor {
	return &TypeDescriptor{
		SchemaName:     name,
		TypeName:       TypeNameFor(name),
		ContentType:    ContentTypeFor(r.namespace, name),
		SchemaLocation: location,
		compiled:       compiled,
		document:       document,
	}
}

func (r *Registry) store(desc *TypeDescriptor) *TypeDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[desc.SchemaName]; exists {
		r.logger.Info("replacing registered schema",
			"schemaName", desc.SchemaName,
			"typeName", desc.TypeName,
		)
	}
	if prev, exists := r.byType[desc.TypeName]; exists && prev.SchemaName != desc.SchemaName {
		r.logger.Warn("type name collision, lookup now returns the newer schema",
			"typeName", desc.TypeName,
			"previousSchemaName", prev.SchemaName,
			"schemaName", desc.SchemaName,
		)
	}
	r.byName[desc.SchemaName] = desc
	r.byType[desc.TypeName] = desc

	return desc
}

// Resolve returns the descriptor registered for a content-type
func (r *Registry) Resolve(contentType string) (*TypeDescriptor, error) {
	if strings.TrimSpace(contentType) == "" {
		return nil, contracts.InvalidArgument("content-type cannot be empty")
	}

	name, ok := schemaNameFromContentType(r.namespace, contentType)
	if !ok {
		return nil, &contracts.UnregisteredTypeError{ContentType: contentType}
	}

	r.mu.RLock()
	desc, ok := r.byName[name]
	r.mu.RUnlock()

	if !ok {
		return nil, &contracts.UnregisteredTypeError{ContentType: contentType}
	}
	return desc, nil
}

// Lookup returns the descriptor registered under a type name
func (r *Registry) Lookup(typeName string) (*TypeDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.byType[typeName]
	return desc, ok
}

// Descriptors returns all registered descriptors ordered by schema name
func (r *Registry) Descriptors() []*TypeDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*TypeDescriptor, 0, len(r.byName))
	for _, desc := range r.byName {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SchemaName < out[j].SchemaName
	})
	return out
}

// Len returns the number of registered schemas
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
