// Package schema binds JSON Schema documents to message types for the
// schemabus messaging layer.
//
// A Registry loads *.schema.json files and derives, for each schema, a
// TypeDescriptor holding three deterministic names:
//
//	file:          <root>/ingestion/book/metadata/v2.schema.json
//	schema name:   ingestion.book.metadata.v2
//	type name:     IngestionBookMetadataV2
//	content-type:  application/vnd.<namespace>.ingestion.book.metadata.v2+json
//
// Envelopes are documents validated against a descriptor. Construction
// inserts schema-declared defaults for unset fields and fails with a
// *contracts.ValidationError when the document does not match.
//
// Basic usage:
//
//	registry := schema.NewRegistry("acme")
//	if _, err := registry.Register("./schemas"); err != nil {
//	    log.Fatal(err)
//	}
//
//	desc, err := registry.Resolve("application/vnd.acme.ingestion.book.metadata.v2+json")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	env, err := schema.NewEnvelope(desc, map[string]interface{}{"title": "Dune", "isbn": "9780441013593"})
//
// Validation is performed by github.com/xeipuuv/gojsonschema.
package schema
