package executor

import "strconv"

// Step args arrive as loosely typed JSON maps. These helpers read them into
// the typed params above.

// ImageParamsFromArgs builds ImageParams from step args.
func ImageParamsFromArgs(taskID string, args map[string]any) ImageParams {
	return ImageParams{
		TaskID:          taskID,
		Prompt:          argString(args, "prompt"),
		Model:           argString(args, "model"),
		Size:            argString(args, "size"),
		ReferenceImages: argStrings(args, "referenceImages"),
		Count:           argInt(args, "count"),
	}
}

// VideoParamsFromArgs builds VideoParams from step args.
func VideoParamsFromArgs(taskID string, args map[string]any) VideoParams {
	return VideoParams{
		TaskID:          taskID,
		Prompt:          argString(args, "prompt"),
		Model:           argString(args, "model"),
		Duration:        argInt(args, "seconds", "duration"),
		Size:            argString(args, "size"),
		ReferenceImages: argStrings(args, "referenceImages", "inputReferences"),
	}
}

// AnalyzeParamsFromArgs builds AnalyzeParams from step args.
func AnalyzeParamsFromArgs(taskID string, args map[string]any) AnalyzeParams {
	p := AnalyzeParams{
		TaskID: taskID,
		Prompt: argString(args, "prompt", "userInput"),
		Model:  argString(args, "model"),
		Images: argStrings(args, "images", "referenceImages"),
	}
	if raw, ok := args["messages"].([]any); ok {
		for _, m := range raw {
			mm, ok := m.(map[string]any)
			if !ok {
				continue
			}
			p.Messages = append(p.Messages, Message{
				Role:    argString(mm, "role"),
				Content: argString(mm, "content"),
			})
		}
	}
	return p
}

// argString returns the first non-empty string under any of keys.
func argString(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := args[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func argInt(args map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := args[k].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 0
}

func argStrings(args map[string]any, keys ...string) []string {
	for _, k := range keys {
		switch v := args[k].(type) {
		case []string:
			return v
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok && s != "" {
					out = append(out, s)
				}
			}
			return out
		case string:
			if v != "" {
				return []string{v}
			}
		}
	}
	return nil
}
