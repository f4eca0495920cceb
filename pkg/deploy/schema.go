package deploy

// definitionSchema validates the raw shape of a submitted process definition
// before it is decoded. Semantic checks (reference integrity, versioning) run
// afterwards on the decoded model.
const definitionSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["key", "elements"],
	"properties": {
		"key": {
			"type": "string",
			"minLength": 1,
			"pattern": "^[a-zA-Z0-9_-]+$"
		},
		"name": {
			"type": "string"
		},
		"tenant_id": {
			"type": "string"
		},
		"elements": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id", "type"],
				"properties": {
					"id": {
						"type": "string",
						"minLength": 1
					},
					"name": {
						"type": "string"
					},
					"type": {
						"type": "string",
						"enum": [
							"activity",
							"sub_process",
							"call_activity",
							"boundary_event",
							"event_subprocess",
							"start_event"
						]
					},
					"scope_id": {
						"type": "string"
					},
					"attached_to_id": {
						"type": "string"
					},
					"event": {
						"type": "object",
						"required": ["kind"],
						"properties": {
							"kind": {
								"type": "string",
								"enum": ["error", "message", "signal", "compensation", "timer"]
							},
							"ref": {
								"type": "string"
							}
						}
					},
					"interrupting": {
						"type": "boolean"
					},
					"called_process_key": {
						"type": "string"
					},
					"multi_instance": {
						"type": "boolean"
					},
					"exception_mappings": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["error_code"],
							"properties": {
								"fault_type": {
									"type": "string"
								},
								"error_code": {
									"type": "string",
									"minLength": 1
								},
								"match_subtypes": {
									"type": "boolean"
								}
							}
						}
					}
				}
			}
		},
		"errors": {
			"type": "object",
			"additionalProperties": {
				"type": "string"
			}
		},
		"messages": {
			"type": "object",
			"additionalProperties": {
				"type": "string"
			}
		},
		"signals": {
			"type": "object",
			"additionalProperties": {
				"type": "string"
			}
		}
	}
}`
