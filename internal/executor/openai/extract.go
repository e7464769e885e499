package openai

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

// Message fields some providers use to return images outside the text.
var imageFields = []string{"images", "image", "attachments", "media", "files", "data"}

var (
	dataURLPattern  = regexp.MustCompile(`data:image/[a-zA-Z0-9.+-]+;base64,[A-Za-z0-9+/=]+`)
	imageURLPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+\.(?i:png|jpe?g|gif|webp)(?:\?[^\s<>"')\]]*)?`)
	fencePattern    = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
)

// ExtractImages returns inline data URLs and image links found in mixed
// text, in order of appearance, without duplicates.
func ExtractImages(content string) []string {
	type match struct {
		pos int
		s   string
	}
	var matches []match
	for _, loc := range dataURLPattern.FindAllStringIndex(content, -1) {
		matches = append(matches, match{loc[0], content[loc[0]:loc[1]]})
	}
	for _, loc := range imageURLPattern.FindAllStringIndex(content, -1) {
		matches = append(matches, match{loc[0], content[loc[0]:loc[1]]})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].pos < matches[j].pos })

	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		if _, dup := seen[m.s]; dup {
			continue
		}
		seen[m.s] = struct{}{}
		out = append(out, m.s)
	}
	return out
}

// imagesFromField normalizes an images-like JSON field: a string, a list of
// strings, or objects carrying data, base64, url or image_url.url. Bare
// base64 is assumed to be PNG.
func imagesFromField(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}

	var out []string
	var walk func(any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			if img := normalizeImage(val); img != "" {
				out = append(out, img)
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		case map[string]any:
			for _, key := range []string{"data", "base64", "b64_json"} {
				if s, ok := val[key].(string); ok && s != "" {
					walk(s)
					return
				}
			}
			if s, ok := val["url"].(string); ok && s != "" {
				out = append(out, s)
				return
			}
			if nested, ok := val["image_url"].(map[string]any); ok {
				if s, ok := nested["url"].(string); ok && s != "" {
					out = append(out, s)
				}
			}
		}
	}
	walk(v)
	return out
}

func normalizeImage(s string) string {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return ""
	case strings.HasPrefix(s, "data:"), strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return s
	default:
		return "data:image/png;base64," + s
	}
}

// plannedStep is a step as written by the model.
type plannedStep struct {
	ID          string         `json:"id"`
	ToolName    string         `json:"toolName"`
	Tool        string         `json:"tool"`
	MCP         string         `json:"mcp"`
	Args        map[string]any `json:"args"`
	Description string         `json:"description"`
	DependsOn   []string       `json:"dependsOn"`
}

type stepPlan struct {
	Steps    []plannedStep `json:"steps"`
	AddSteps []plannedStep `json:"addSteps"`
}

// ParseSteps extracts follow-up steps from an analysis reply. It reads the
// first fenced JSON block (or the whole reply if it is a JSON object) with
// a "steps" or "addSteps" array. Steps without an ID get a fresh one; all
// come back pending.
func ParseSteps(content string) []types.WorkflowStep {
	var candidates []string
	for _, m := range fencePattern.FindAllStringSubmatch(content, -1) {
		candidates = append(candidates, m[1])
	}
	if trimmed := strings.TrimSpace(content); strings.HasPrefix(trimmed, "{") {
		candidates = append(candidates, trimmed)
	}

	for _, c := range candidates {
		var plan stepPlan
		if err := json.Unmarshal([]byte(c), &plan); err != nil {
			continue
		}
		planned := append(plan.Steps, plan.AddSteps...)
		if len(planned) == 0 {
			continue
		}

		steps := make([]types.WorkflowStep, 0, len(planned))
		for _, p := range planned {
			tool := firstNonEmpty(p.ToolName, p.Tool, p.MCP)
			if tool == "" {
				continue
			}
			id := p.ID
			if id == "" {
				id = "step_" + uuid.NewString()
			}
			steps = append(steps, types.WorkflowStep{
				ID:          id,
				ToolName:    tool,
				Args:        p.Args,
				Description: p.Description,
				DependsOn:   p.DependsOn,
				Status:      types.StepStatusPending,
			})
		}
		return steps
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
