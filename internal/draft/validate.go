package draft

import (
	"fmt"
	"net/url"

	"github.com/botforge-io/botforge/internal/models"
)

// Result is the outcome of validating a draft payload.
type Result struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Err converts an invalid result into a ValidationError, or nil.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Errors: r.Errors, Warnings: r.Warnings}
}

// Validate runs the rule set for the draft's entity type over its payload.
// It is pure: all violations are collected in a single pass and no state
// is touched.
func Validate(d *models.Draft) Result {
	var res Result
	switch d.EntityType {
	case models.EntityKnowledgeBase:
		res = validateKnowledgeBase(d.Payload)
	case models.EntityChatbot:
		res = validateChatbot(d.Payload)
	case models.EntityWorkflow:
		res = validateWorkflow(d.Payload)
	default:
		res.Errors = append(res.Errors, fmt.Sprintf("unknown entity type %q", d.EntityType))
	}
	res.Valid = len(res.Errors) == 0
	if res.Errors == nil {
		res.Errors = []string{}
	}
	if res.Warnings == nil {
		res.Warnings = []string{}
	}
	return res
}

const (
	maxRecommendedDepth = 3
	maxRecommendedPages = 500
	minTemperature      = 0.0
	maxTemperature      = 2.0
)

func validateKnowledgeBase(payload map[string]any) Result {
	var res Result

	if name, _ := payload["name"].(string); name == "" {
		res.Errors = append(res.Errors, "name is required")
	}

	sources := models.SourcesFromPayload(payload)
	if len(sources) == 0 {
		res.Errors = append(res.Errors, "at least one content source is required")
	}

	for i, src := range sources {
		switch src.Kind {
		case models.SourceURL, models.SourceSitemap:
			if src.Location == "" {
				res.Errors = append(res.Errors, fmt.Sprintf("source %d: location is required for %s sources", i, src.Kind))
				continue
			}
			u, err := url.Parse(src.Location)
			if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
				res.Errors = append(res.Errors, fmt.Sprintf("source %d: location %q is not an absolute http(s) URL", i, src.Location))
			}
		case models.SourceText:
			if src.Content == "" {
				res.Errors = append(res.Errors, fmt.Sprintf("source %d: content is required for text sources", i))
			}
		default:
			res.Errors = append(res.Errors, fmt.Sprintf("source %d: unknown kind %q", i, src.Kind))
		}

		if src.MaxDepth > maxRecommendedDepth {
			res.Warnings = append(res.Warnings, fmt.Sprintf("source %d: crawl depth %d exceeds recommended maximum %d", i, src.MaxDepth, maxRecommendedDepth))
		}
		if src.PageBudget > maxRecommendedPages {
			res.Warnings = append(res.Warnings, fmt.Sprintf("source %d: page budget %d exceeds recommended maximum %d", i, src.PageBudget, maxRecommendedPages))
		}
	}

	return res
}

func validateChatbot(payload map[string]any) Result {
	var res Result

	if name, _ := payload["name"].(string); name == "" {
		res.Errors = append(res.Errors, "name is required")
	}
	if model, _ := payload["model"].(string); model == "" {
		res.Errors = append(res.Errors, "model is required")
	}

	if raw, ok := payload["temperature"]; ok {
		if temp, ok := raw.(float64); !ok {
			res.Errors = append(res.Errors, "temperature must be a number")
		} else if temp < minTemperature || temp > maxTemperature {
			res.Errors = append(res.Errors, fmt.Sprintf("temperature %.2f out of range [%.0f, %.0f]", temp, minTemperature, maxTemperature))
		}
	}

	knowledgeID, _ := payload["knowledge_id"].(string)
	greeting, _ := payload["greeting"].(string)
	if knowledgeID == "" && greeting == "" && len(models.SourcesFromPayload(payload)) == 0 {
		res.Warnings = append(res.Warnings, "no knowledge base linked and no greeting set; the bot will have nothing to say")
	}

	return res
}

func validateWorkflow(payload map[string]any) Result {
	var res Result

	if name, _ := payload["name"].(string); name == "" {
		res.Errors = append(res.Errors, "name is required")
	}

	nodes, _ := payload["nodes"].([]any)
	if len(nodes) == 0 {
		res.Errors = append(res.Errors, "workflow must contain at least one node")
		return res
	}

	type nodeInfo struct {
		kind string
	}
	defined := make(map[string]nodeInfo, len(nodes))
	entryCount := 0
	terminalCount := 0

	for i, raw := range nodes {
		node, ok := raw.(map[string]any)
		if !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("node %d: must be an object", i))
			continue
		}
		id, _ := node["id"].(string)
		if id == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("node %d: id is required", i))
			continue
		}
		if _, dup := defined[id]; dup {
			res.Errors = append(res.Errors, fmt.Sprintf("node %q: duplicate id", id))
			continue
		}
		kind, _ := node["kind"].(string)
		defined[id] = nodeInfo{kind: kind}
		switch kind {
		case "entry":
			entryCount++
		case "terminal":
			terminalCount++
		}
	}

	if entryCount != 1 {
		res.Errors = append(res.Errors, fmt.Sprintf("workflow must contain exactly one entry node, found %d", entryCount))
	}
	if terminalCount == 0 {
		res.Errors = append(res.Errors, "workflow must contain at least one terminal node")
	}

	// Edges must reference defined nodes; nodes never referenced and not
	// the entry are unreachable.
	referenced := make(map[string]bool)
	edges, _ := payload["edges"].([]any)
	for i, raw := range edges {
		edge, ok := raw.(map[string]any)
		if !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("edge %d: must be an object", i))
			continue
		}
		from, _ := edge["from"].(string)
		to, _ := edge["to"].(string)
		if _, ok := defined[from]; !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("edge %d: references undefined node %q", i, from))
		}
		if _, ok := defined[to]; !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("edge %d: references undefined node %q", i, to))
		}
		referenced[to] = true
	}

	for id, info := range defined {
		if info.kind != "entry" && !referenced[id] {
			res.Warnings = append(res.Warnings, fmt.Sprintf("node %q is unreachable", id))
		}
	}

	return res
}
