package executor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var searchSchema = json.RawMessage(`{
	"type": "object",
	"required": ["query"],
	"properties": {
		"query": {"type": "string"},
		"limit": {"type": "integer", "minimum": 1}
	}
}`)

func TestValidateParams(t *testing.T) {
	tests := []struct {
		name    string
		params  json.RawMessage
		wantErr string
	}{
		{"valid", json.RawMessage(`{"query":"invoice"}`), ""},
		{"valid with limit", json.RawMessage(`{"query":"invoice","limit":5}`), ""},
		{"missing required", json.RawMessage(`{"limit":5}`), "query"},
		{"wrong type", json.RawMessage(`{"query":7}`), "/query"},
		{"violates minimum", json.RawMessage(`{"query":"x","limit":0}`), "/limit"},
		{"not json", json.RawMessage(`{broken`), "must be valid JSON"},
		{"empty params against required", nil, "query"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateParams("email_search", searchSchema, tt.params)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateParamsNoSchemaAcceptsAnything(t *testing.T) {
	assert.NoError(t, validateParams("free_tool", nil, json.RawMessage(`{"anything":true}`)))
	assert.NoError(t, validateParams("free_tool", nil, nil))
}

func TestValidateParamsBadSchema(t *testing.T) {
	err := validateParams("broken_tool", json.RawMessage(`{"type":`), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid inputSchema")
}
