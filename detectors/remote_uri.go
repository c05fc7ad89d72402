package detectors

import (
	"strconv"

	"github.com/glimte/schemabus/contracts"
	"github.com/glimte/schemabus/schema"
)

const (
	// HasRemoteURIsHeader is set to true when the document holds remote references
	HasRemoteURIsHeader = "has_remote_uris"
	// RemoteURIsHeader lists the paths of the remote references, e.g. a.b[2].c
	RemoteURIsHeader = "remote_uris"
)

// RemoteURIDetector finds nested objects whose "type" field is "remote" so
// consumers can resolve them without consulting the schema
func RemoteURIDetector() Detector {
	return NewDetectorFunc("remote-uri", detectRemoteURIs)
}

func detectRemoteURIs(env *schema.Envelope) map[string]interface{} {
	paths := RemoteURIPaths(env.Document())
	if len(paths) == 0 {
		return nil
	}

	return map[string]interface{}{
		HasRemoteURIsHeader: true,
		RemoteURIsHeader:    paths,
	}
}

// RemoteURIPaths returns the paths of every object below doc whose "type"
// is "remote", in document order with object keys sorted. doc itself is
// not considered.
func RemoteURIPaths(doc contracts.Value) []string {
	var paths []string
	collectRemote(doc, "", &paths)
	return paths
}

func collectRemote(node contracts.Value, path string, paths *[]string) {
	switch node.Kind() {
	case contracts.ObjectKind:
		for _, key := range node.Keys() {
			child, _ := node.Field(key)
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			visitRemote(child, childPath, paths)
		}

	case contracts.ArrayKind:
		for i, child := range node.Elements() {
			visitRemote(child, path+"["+strconv.Itoa(i)+"]", paths)
		}
	}
}

func visitRemote(node contracts.Value, path string, paths *[]string) {
	if isRemote(node) {
		*paths = append(*paths, path)
	}
	collectRemote(node, path, paths)
}

func isRemote(node contracts.Value) bool {
	typ, ok := node.Field("type")
	if !ok {
		return false
	}
	s, ok := typ.AsString()
	return ok && s == "remote"
}
