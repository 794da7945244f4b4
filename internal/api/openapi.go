package api

import (
	"fmt"

	"github.com/quan-xiao/testmanager/internal/protocol"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document covering every testbox
// protocol command. The admin routes are documented in the README only.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{}
	for _, cmd := range protocol.Commands {
		paths[fmt.Sprintf("/testbox/%s", cmd)] = map[string]any{
			"post": commandOperation(cmd),
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "testmanager testbox protocol",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"schemas": map[string]any{
				"Outcome": outcomeSchema(),
			},
		},
	}
}

func commandOperation(cmd protocol.Command) map[string]any {
	properties := map[string]any{}
	required := []string{}
	for _, p := range protocol.Parameters(cmd) {
		prop := map[string]any{"type": p.Type}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
	if cmd == protocol.SignOn {
		schema["patternProperties"] = map[string]any{
			"^cap\\.": map[string]any{"type": "string"},
		}
	}

	ref := map[string]any{"$ref": "#/components/schemas/Outcome"}
	response := func(desc string) map[string]any {
		return map[string]any{
			"description": desc,
			"content":     map[string]any{"application/json": map[string]any{"schema": ref}},
		}
	}

	return map[string]any{
		"operationId": string(cmd),
		"requestBody": map[string]any{
			"required": true,
			"content": map[string]any{
				"application/x-www-form-urlencoded": map[string]any{"schema": schema},
				"application/json":                  map[string]any{"schema": schema},
			},
		},
		"responses": map[string]any{
			"200": response("OK or NO_WORK"),
			"307": response("REDIRECT to another coordinator"),
			"400": response("unknown command, missing or invalid parameter"),
			"404": response("unknown testbox"),
			"409": response("invalid state or stale report"),
			"500": response("internal error"),
		},
	}
}

func outcomeSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"result"},
		"properties": map[string]any{
			"result": map[string]any{
				"type": "string",
				"enum": []string{
					string(protocol.ResultOK), string(protocol.ResultNoWork), string(protocol.ResultRedirect),
					string(protocol.ResultProtocolError), string(protocol.ResultInternalError),
				},
			},
			"error":    map[string]any{"type": "string"},
			"message":  map[string]any{"type": "string"},
			"location": map[string]any{"type": "string"},
			"payload":  map[string]any{"type": "object"},
		},
	}
}
