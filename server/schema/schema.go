// Package schema validates incoming ingest payloads against the wire-format
// JSON schema before they are decoded.
package schema

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// payloadSchema describes the ingest payload. Validation rejects malformed
// submissions up front so the ingestion pipeline only sees well-formed data
// with finite measurement values.
const payloadSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["projectName", "experimentName", "startTime", "env", "source", "criteria", "data"],
	"properties": {
		"projectName": {"type": "string", "minLength": 1},
		"experimentName": {"type": "string", "minLength": 1},
		"experimentDesc": {"type": "string"},
		"startTime": {"type": "string", "minLength": 1},
		"env": {
			"type": "object",
			"required": ["hostName", "osType", "memory", "cpu", "clockSpeed", "userName"],
			"properties": {
				"hostName": {"type": "string", "minLength": 1},
				"osType": {"type": "string"},
				"memory": {"type": "integer"},
				"cpu": {"type": "string"},
				"clockSpeed": {"type": "integer"},
				"userName": {"type": "string", "minLength": 1},
				"manualRun": {"type": "boolean"},
				"denoise": {"type": "string"}
			}
		},
		"source": {
			"type": "object",
			"required": ["repoURL", "branchOrTag", "commitId", "commitMsg"],
			"properties": {
				"repoURL": {"type": "string"},
				"branchOrTag": {"type": "string"},
				"commitId": {"type": "string", "minLength": 1},
				"commitMsg": {"type": "string"},
				"authorName": {"type": "string"},
				"authorEmail": {"type": "string"},
				"committerName": {"type": "string"},
				"committerEmail": {"type": "string"}
			}
		},
		"criteria": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["i", "c", "u"],
				"properties": {
					"i": {"type": "integer"},
					"c": {"type": "string", "minLength": 1},
					"u": {"type": "string"}
				}
			}
		},
		"data": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["runId"],
				"properties": {
					"runId": {
						"type": "object",
						"required": ["cmdline", "benchmark"],
						"properties": {
							"cmdline": {"type": "string", "minLength": 1},
							"benchmark": {
								"type": "object",
								"required": ["name", "suite"],
								"properties": {
									"name": {"type": "string", "minLength": 1},
									"suite": {
										"type": "object",
										"required": ["name", "executor"],
										"properties": {
											"name": {"type": "string", "minLength": 1},
											"executor": {
												"type": "object",
												"required": ["name"],
												"properties": {
													"name": {"type": "string", "minLength": 1}
												}
											}
										}
									}
								}
							}
						}
					},
					"d": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["in", "it", "m"],
							"properties": {
								"in": {"type": "integer"},
								"it": {"type": "integer"},
								"m": {
									"type": "array",
									"items": {
										"type": "object",
										"required": ["c", "v"],
										"properties": {
											"c": {"type": "integer"},
											"v": {"type": "number"}
										}
									}
								}
							}
						}
					},
					"p": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["in", "nit", "d"],
							"properties": {
								"in": {"type": "integer"},
								"nit": {"type": "integer"}
							}
						}
					}
				}
			}
		}
	}
}`

// completionSchema describes the experiment-completion payload.
const completionSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["projectName", "experimentName", "endTime"],
	"properties": {
		"projectName": {"type": "string", "minLength": 1},
		"experimentName": {"type": "string", "minLength": 1},
		"endTime": {"type": "string", "minLength": 1}
	}
}`

// Validator checks request bodies against the compiled wire schemas.
type Validator struct {
	payload    *gojsonschema.Schema
	completion *gojsonschema.Schema
}

// NewValidator compiles the embedded schemas.
func NewValidator() (*Validator, error) {
	payload, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(payloadSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile payload schema: %w", err)
	}
	completion, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(completionSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile completion schema: %w", err)
	}
	return &Validator{payload: payload, completion: completion}, nil
}

// ValidatePayload checks an ingest body, returning the violations found.
func (v *Validator) ValidatePayload(body []byte) (bool, []string, error) {
	return validate(v.payload, body)
}

// ValidateCompletion checks a completion body.
func (v *Validator) ValidateCompletion(body []byte) (bool, []string, error) {
	return validate(v.completion, body)
}

func validate(schema *gojsonschema.Schema, body []byte) (bool, []string, error) {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return false, nil, fmt.Errorf("failed to validate document: %w", err)
	}
	if result.Valid() {
		return true, nil, nil
	}
	issues := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		issues = append(issues, desc.String())
	}
	return false, issues, nil
}
