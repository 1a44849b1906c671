package extractor

import "github.com/louisbranch/storycanon/internal/llm"

// extractTool is the function the model is forced to call. The parameter
// schema mirrors the wire shape of an extracted event.
func extractTool() llm.Tool {
	return llm.Tool{
		Name:        "extract_events",
		Description: "从对话草稿中提取结构化事件。必须调用此函数来返回提取结果。",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"events": map[string]any{
					"type":        "array",
					"items":       extractedEventSchema(),
					"minItems":    1,
					"description": "提取的事件列表，至少包含 1 个事件",
				},
				"open_questions": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "需要用户澄清的问题列表（如果有）",
					"default":     []any{},
				},
			},
			"required": []string{"events"},
		},
	}
}

func extractedEventSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"turn": map[string]any{"type": "integer", "minimum": 0},
			"time": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"label": map[string]any{"type": "string"},
					"order": map[string]any{"type": "integer", "minimum": 0},
				},
				"required": []string{"label", "order"},
			},
			"where": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"location_id": map[string]any{"type": "string"},
				},
				"required": []string{"location_id"},
			},
			"who": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"actors":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"witnesses": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"actors"},
			},
			"type": map[string]any{
				"type": "string",
				"enum": []string{
					"OWNERSHIP_CHANGE", "DEATH", "REVIVAL", "TRAVEL", "FACTION_CHANGE",
					"QUEST_START", "QUEST_COMPLETE", "QUEST_FAIL", "ITEM_CREATE",
					"ITEM_DESTROY", "RELATIONSHIP_CHANGE", "TIME_ADVANCE", "OTHER",
				},
			},
			"summary": map[string]any{"type": "string"},
			"payload": map[string]any{"type": "object"},
			"state_patch": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"entity_updates": map[string]any{
						"type": "object",
						"additionalProperties": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"entity_type": map[string]any{
									"type": "string",
									"enum": []string{"character", "item", "location", "faction"},
								},
								"entity_id": map[string]any{"type": "string"},
								"updates":   map[string]any{"type": "object"},
							},
							"required": []string{"entity_type", "entity_id", "updates"},
						},
					},
					"time_update": map[string]any{
						"type": []string{"object", "null"},
						"properties": map[string]any{
							"calendar": map[string]any{"type": "string"},
							"anchor": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"label": map[string]any{"type": "string"},
									"order": map[string]any{"type": "integer"},
								},
							},
						},
					},
					"quest_updates": map[string]any{
						"type": []string{"array", "null"},
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"quest_id": map[string]any{"type": "string"},
								"status":   map[string]any{"type": "string", "enum": []string{"active", "completed", "failed"}},
								"metadata": map[string]any{"type": "object"},
							},
							"required": []string{"quest_id", "status"},
						},
					},
					"constraint_additions": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "object"},
					},
					"player_updates": map[string]any{"type": "object"},
				},
			},
			"evidence": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"source":    map[string]any{"type": "string"},
					"text_span": map[string]any{"type": []string{"string", "null"}},
				},
			},
			"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		},
		"required": []string{"turn", "time", "where", "who", "type", "summary", "state_patch"},
	}
}
