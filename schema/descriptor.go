package schema

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/xeipuuv/gojsonschema"
)

// FileSuffix is the suffix of schema files discovered in a directory
const FileSuffix = ".schema.json"

// TypeDescriptor binds a loaded JSON schema to its canonical names.
// Descriptors are never mutated after registration.
type TypeDescriptor struct {
	// SchemaName is the dot-delimited path of the schema, e.g. ingestion.book.metadata.v2
	SchemaName string
	// TypeName is the identifier form of SchemaName, e.g. IngestionBookMetadataV2
	TypeName string
	// ContentType is application/vnd.<namespace>.<SchemaName>+json
	ContentType string
	// SchemaLocation is where the schema was loaded from
	SchemaLocation string

	compiled *gojsonschema.Schema
	document map[string]interface{}
}

func (d *TypeDescriptor) String() string {
	return d.TypeName
}

// Is reports whether d and other describe the same schema name
func (d *TypeDescriptor) Is(other *TypeDescriptor) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.ContentType == other.ContentType
}

// SchemaNameFromPath strips root and the schema suffix from path and joins
// the remaining path segments with dots.
func SchemaNameFromPath(path, root string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("schema path %s is not under %s: %w", path, root, err)
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("schema path %s is not under %s", path, root)
	}

	switch {
	case strings.HasSuffix(rel, FileSuffix):
		rel = strings.TrimSuffix(rel, FileSuffix)
	case strings.HasSuffix(rel, ".json"):
		rel = strings.TrimSuffix(rel, ".json")
	}

	name := strings.Trim(strings.ReplaceAll(rel, "/", "."), ".")
	if name == "" {
		return "", fmt.Errorf("schema path %s yields an empty name relative to %s", path, root)
	}
	return name, nil
}

// TypeNameFor camel-cases a schema name: one.two_three/four -> OneTwoThreeFour
func TypeNameFor(schemaName string) string {
	segments := strings.FieldsFunc(schemaName, func(r rune) bool {
		return r == '.' || r == '/' || r == '_'
	})

	var b strings.Builder
	for _, seg := range segments {
		runes := []rune(seg)
		runes[0] = unicode.ToUpper(runes[0])
		b.WriteString(string(runes))
	}
	return b.String()
}

// ContentTypeFor renders the content-type template for a schema name
func ContentTypeFor(namespace, schemaName string) string {
	return fmt.Sprintf("application/vnd.%s.%s+json", namespace, schemaName)
}

// schemaNameFromContentType reverses ContentTypeFor. Media type parameters
// such as "; charset=utf-8" are ignored.
func schemaNameFromContentType(namespace, contentType string) (string, bool) {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	contentType = strings.TrimSpace(contentType)

	prefix := "application/vnd." + namespace + "."
	const suffix = "+json"
	if !strings.HasPrefix(contentType, prefix) || !strings.HasSuffix(contentType, suffix) {
		return "", false
	}

	name := strings.TrimSuffix(strings.TrimPrefix(contentType, prefix), suffix)
	return name, name != ""
}
