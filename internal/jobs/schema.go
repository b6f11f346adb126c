package jobs

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	schemaOnce sync.Once
	schemas    map[JobType]*jsonschema.Schema
	schemaErr  error
)

// compileSchemas loads and compiles the embedded config schemas.
// Compiled once; schema documents ship with the binary.
func compileSchemas() {
	files := map[JobType]string{
		JobTypeTextToAudio:    "schemas/text_to_audio.json",
		JobTypeBookProcessing: "schemas/book_processing.json",
	}

	compiled := make(map[JobType]*jsonschema.Schema, len(files))
	for t, path := range files {
		data, err := schemaFS.ReadFile(path)
		if err != nil {
			schemaErr = fmt.Errorf("failed to load schema for %s: %w", t, err)
			return
		}

		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(path, bytes.NewReader(data)); err != nil {
			schemaErr = fmt.Errorf("failed to add schema for %s: %w", t, err)
			return
		}
		s, err := compiler.Compile(path)
		if err != nil {
			schemaErr = fmt.Errorf("failed to compile schema for %s: %w", t, err)
			return
		}
		compiled[t] = s
	}
	schemas = compiled
}

// ValidateConfig checks a raw config document against the job type's schema,
// then applies the typed cross-field checks the schema cannot express.
func ValidateConfig(t JobType, raw json.RawMessage) error {
	if !t.Valid() {
		return &ValidationError{Field: "job_type", Reason: fmt.Sprintf("unknown job type %q", t)}
	}

	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &ValidationError{Reason: fmt.Sprintf("config is not valid JSON: %v", err)}
	}
	if err := schemas[t].Validate(doc); err != nil {
		return &ValidationError{Reason: err.Error()}
	}

	switch t {
	case JobTypeTextToAudio:
		var cfg TextToAudioConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return &ValidationError{Reason: err.Error()}
		}
		return cfg.Validate()
	case JobTypeBookProcessing:
		var cfg BookProcessingConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return &ValidationError{Reason: err.Error()}
		}
		return cfg.Validate()
	}
	return nil
}
