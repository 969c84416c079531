package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var schemaCache sync.Map // key -> *jsonschema.Schema

func schemaCacheKey(capability string, schema json.RawMessage) string {
	sum := sha256.Sum256(schema)
	return capability + ":" + hex.EncodeToString(sum[:])
}

func compileSchema(capability string, schema json.RawMessage) (*jsonschema.Schema, error) {
	key := schemaCacheKey(capability, schema)
	if v, ok := schemaCache.Load(key); ok {
		return v.(*jsonschema.Schema), nil
	}
	s, err := jsonschema.CompileString(capability+".json", string(schema))
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, s)
	return s, nil
}

func firstLeafValidationError(err *jsonschema.ValidationError) *jsonschema.ValidationError {
	if err == nil {
		return nil
	}
	if len(err.Causes) == 0 {
		return err
	}
	for _, c := range err.Causes {
		if leaf := firstLeafValidationError(c); leaf != nil {
			return leaf
		}
	}
	return err
}

// validateParams checks invocation params against the capability's declared
// input schema before anything reaches the transport. A capability without
// a schema accepts anything.
func validateParams(capability string, schema json.RawMessage, params json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}

	var decoded any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &decoded); err != nil {
			return fmt.Errorf("params for %s must be valid JSON: %w", capability, err)
		}
	} else {
		decoded = map[string]any{}
	}

	s, err := compileSchema(capability, schema)
	if err != nil {
		return fmt.Errorf("invalid inputSchema for %s: %w", capability, err)
	}
	if err := s.Validate(decoded); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			leaf := firstLeafValidationError(ve)
			loc := leaf.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msg := leaf.Message
			if msg == "" {
				msg = leaf.Error()
			}
			return fmt.Errorf("params validation failed for %s at %s: %s", capability, loc, msg)
		}
		return fmt.Errorf("params validation failed for %s: %v", capability, err)
	}
	return nil
}
