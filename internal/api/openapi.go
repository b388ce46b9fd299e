package api

import (
	"github.com/mattjoyce/loopback/internal/protocol"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the run-task endpoint
// and the operational routes. taskNames become the enum of the class field.
func buildOpenAPIDoc(endpointPath string, taskNames []string) map[string]any {
	if endpointPath == "" {
		endpointPath = protocol.DefaultPath
	}
	if taskNames == nil {
		taskNames = []string{}
	}

	bearer := []any{map[string]any{"BearerAuth": []string{}}}

	runTask := map[string]any{
		"operationId": "runTask",
		"summary":     "Run a self-dispatched task",
		"requestBody": map[string]any{
			"required": true,
			"content": map[string]any{
				"application/x-www-form-urlencoded": map[string]any{
					"schema": map[string]any{
						"type":     "object",
						"required": []string{protocol.FieldClass, protocol.FieldNonce},
						"properties": map[string]any{
							protocol.FieldClass: map[string]any{"type": "string", "enum": taskNames},
							protocol.FieldData:  map[string]any{"type": "string", "description": "JSON array of arguments"},
							protocol.FieldNonce: map[string]any{"type": "string", "minLength": 10, "maxLength": 10},
						},
					},
				},
			},
		},
		"responses": map[string]any{
			"200": map[string]any{"description": "Task outcome", "content": jsonContent("#/components/schemas/RunTaskResponse")},
			"403": map[string]any{"description": "Forbidden"},
			"413": map[string]any{"description": "Payload too large"},
		},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Loopback",
			"version": "1.0",
		},
		"paths": map[string]any{
			endpointPath: map[string]any{"post": runTask},
			"/healthz": map[string]any{"get": map[string]any{
				"operationId": "healthz",
				"responses":   map[string]any{"200": map[string]any{"description": "Service health"}},
			}},
			"/tasks": map[string]any{"get": map[string]any{
				"operationId": "listTasks",
				"security":    bearer,
				"responses":   map[string]any{"200": map[string]any{"description": "Registered task kinds"}},
			}},
			"/events": map[string]any{"get": map[string]any{
				"operationId": "streamEvents",
				"security":    bearer,
				"responses":   map[string]any{"200": map[string]any{"description": "Server-sent task lifecycle events"}},
			}},
		},
		"components": map[string]any{
			"schemas": map[string]any{
				"RunTaskResponse": map[string]any{
					"type":     "object",
					"required": []string{"success"},
					"properties": map[string]any{
						"success": map[string]any{"type": "boolean"},
						"data":    map[string]any{},
						"code":    map[string]any{"type": "string"},
						"message": map[string]any{"type": "string"},
					},
				},
			},
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func jsonContent(ref string) map[string]any {
	return map[string]any{
		"application/json": map[string]any{
			"schema": map[string]any{"$ref": ref},
		},
	}
}
