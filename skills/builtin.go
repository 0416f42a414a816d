package skills

import "github.com/quailyquaily/airlock/guard"

// Builtin returns the catalog shipped with the daemon. Directory-loaded
// manifests are added alongside it and may not reuse these tool names.
func Builtin() []Manifest {
	return []Manifest{
		{
			ToolName:    "filesystem",
			Description: "Read and modify files in the workspace.",
			Methods: []Method{
				{Name: "read_file", AirlockLevel: guard.LevelSafe, Parameters: pathParam()},
				{Name: "list_dir", AirlockLevel: guard.LevelSafe, Parameters: pathParam()},
				{Name: "write_file", AirlockLevel: guard.LevelSensitive, Parameters: map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				}},
				{Name: "move_file", AirlockLevel: guard.LevelSensitive, Parameters: map[string]any{
					"from": map[string]any{"type": "string"},
					"to":   map[string]any{"type": "string"},
				}},
				{Name: "delete_file", AirlockLevel: guard.LevelDangerous, Parameters: pathParam()},
			},
		},
		{
			ToolName:    "shell",
			Description: "Run commands on the host.",
			Methods: []Method{
				{Name: "run_command", AirlockLevel: guard.LevelDangerous, Parameters: map[string]any{
					"command": map[string]any{"type": "string"},
					"cwd":     map[string]any{"type": "string"},
				}},
			},
		},
		{
			ToolName:    "browser",
			Description: "Drive a headless browser.",
			Methods: []Method{
				{Name: "navigate", AirlockLevel: guard.LevelSensitive, Parameters: urlParam()},
				{Name: "screenshot", AirlockLevel: guard.LevelSafe},
				{Name: "extract_text", AirlockLevel: guard.LevelSafe},
				{Name: "fill_form", AirlockLevel: guard.LevelSensitive, Parameters: map[string]any{
					"selector": map[string]any{"type": "string"},
					"value":    map[string]any{"type": "string"},
				}},
				{Name: "submit_form", AirlockLevel: guard.LevelDangerous, Parameters: map[string]any{
					"selector": map[string]any{"type": "string"},
				}},
			},
		},
		{
			ToolName:    "http",
			Description: "Plain HTTP requests.",
			Methods: []Method{
				{Name: "get", AirlockLevel: guard.LevelSensitive, Parameters: urlParam()},
				{Name: "post", AirlockLevel: guard.LevelDangerous, Parameters: map[string]any{
					"url":  map[string]any{"type": "string"},
					"body": map[string]any{"type": "string"},
				}},
			},
		},
	}
}

func pathParam() map[string]any {
	return map[string]any{"path": map[string]any{"type": "string"}}
}

func urlParam() map[string]any {
	return map[string]any{"url": map[string]any{"type": "string"}}
}
