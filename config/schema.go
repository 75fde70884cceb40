package config

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/Carmigna/npg-substation360-pipeline/errors"
)

// documentSchema is the JSON Schema the raw config document is checked
// against before unmarshaling. It catches structural mistakes (wrong types,
// unknown tls modes) with field-level messages instead of a bare decoding
// error.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "log_level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
    "api": {
      "type": "object",
      "properties": {
        "auth_url": {"type": "string"},
        "base_url": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "token_lease": {"type": ["string", "number"]},
        "request_timeout": {"type": ["string", "number"]},
        "rate_limit": {"type": "number", "minimum": 0},
        "tls": {
          "type": "object",
          "properties": {
            "mode": {"type": "string", "enum": ["system", "pinned_ca", "relax_hostname", "insecure"]},
            "ca_file": {"type": "string"}
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "primary": {
      "type": "object",
      "properties": {"dsn": {"type": "string"}},
      "additionalProperties": false
    },
    "replication": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "dsn": {"type": "string"},
        "tables": {"type": "array", "items": {"type": "string"}},
        "since": {"type": ["string", "number"]}
      },
      "additionalProperties": false
    },
    "ingest": {
      "type": "object",
      "properties": {
        "workers": {"type": "integer", "minimum": 1},
        "batch_size": {"type": "integer", "minimum": 1},
        "instrument_limit": {"type": "integer", "minimum": 1},
        "preserve_labels": {"type": "boolean"}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

// validateDocument checks the raw config JSON against the document schema
func validateDocument(data []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(documentSchema)
	documentLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return errors.WrapInvalid(err, "Config", "Load", "validate config document")
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return errors.WrapInvalid(
			fmt.Errorf("%d schema violation(s): %v", len(details), details),
			"Config", "Load", "validate config document")
	}

	return nil
}
