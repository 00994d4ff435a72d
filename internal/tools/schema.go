package tools

// Schema describes one tool to the language model. Parameters is a JSON
// Schema object.
type Schema struct {
	Name        Name           `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func documentIDSchema(desc string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"document_id": map[string]any{
				"type":        "string",
				"description": desc,
			},
		},
		"required": []string{"document_id"},
	}
}

// Schemas returns the fixed tool set offered to the model on every turn.
func Schemas(maxExtractBatch int) []Schema {
	if maxExtractBatch <= 0 {
		maxExtractBatch = DefaultMaxExtractBatch
	}
	return []Schema{
		{
			Name:        Search,
			Description: "Search legal documents by a single precise keyword (e.g. \"société\", \"fiscal\"). Results are ranked by importance. Only identifiers returned here may be used with the other tools.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"keyword": map[string]any{"type": "string", "description": "one legal term, at least 3 characters"},
					"limit":   map[string]any{"type": "integer", "description": "maximum results", "minimum": 1, "maximum": MaxSearchLimit},
				},
				"required": []string{"keyword"},
			},
		},
		{
			Name:        Citations,
			Description: "List documents citing and cited by a document previously returned by search.",
			Parameters:  documentIDSchema("identifier from a previous search result"),
		},
		{
			Name:        Amendments,
			Description: "List documents the given document modifies and the documents that modified it.",
			Parameters:  documentIDSchema("identifier from a previous search result"),
		},
		{
			Name:        Status,
			Description: "Check whether a document is still in force, which documents repealed it and its consolidated versions.",
			Parameters:  documentIDSchema("identifier from a previous search result"),
		},
		{
			Name:        Relationships,
			Description: "List the legal foundations of a document and the documents implementing it.",
			Parameters:  documentIDSchema("identifier from a previous search result"),
		},
		{
			Name:        ExtractContent,
			Description: "Extract the text of up to a few documents previously returned by search.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"document_ids": map[string]any{
						"type":     "array",
						"items":    map[string]any{"type": "string"},
						"minItems": 1,
						"maxItems": maxExtractBatch,
					},
				},
				"required": []string{"document_ids"},
			},
		},
	}
}
