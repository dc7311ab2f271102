package contextengine

import (
	"strings"

	"github.com/tollgate-ai/tollgate/internal/services/providers"
)

// taskToolMapping recommends tools per task type. Only tools the caller
// actually has available are selected.
var taskToolMapping = map[string][]string{
	"code_generation":  {"code_executor", "syntax_checker", "documentation_generator"},
	"data_analysis":    {"data_processor", "chart_generator", "statistical_analyzer"},
	"research":         {"web_search", "document_reader", "citation_formatter"},
	"creative_writing": {"grammar_checker", "style_analyzer", "thesaurus"},
}

func (e *Engine) selectTools(req Request) []providers.Tool {
	if len(req.AvailableTools) == 0 {
		return nil
	}

	available := make(map[string]bool, len(req.AvailableTools))
	for _, name := range req.AvailableTools {
		available[name] = true
	}

	var selected []providers.Tool
	for _, name := range taskToolMapping[req.TaskType] {
		if !available[name] {
			continue
		}
		selected = append(selected, providers.Tool{
			Type: "function",
			Function: providers.Function{
				Name:        name,
				Description: "Tool for " + strings.ReplaceAll(name, "_", " "),
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{},
					"required":   []string{},
				},
			},
		})
	}
	return selected
}
