package contextengine

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/tollgate-ai/tollgate/internal/services/flags"
)

const baseInstruction = `You are an intelligent AI assistant in a multi-agent platform.
Your role is to provide helpful, accurate, and contextually relevant responses.`

var taskInstructions = map[string]string{
	"code_generation": `
Focus on writing clean, efficient, and well-documented code.
Consider best practices, security implications, and maintainability.
Provide explanations for complex logic and suggest improvements when appropriate.
`,
	"data_analysis": `
Analyze data systematically and provide clear insights.
Use appropriate statistical methods and visualizations.
Explain your methodology and highlight key findings.
`,
	"creative_writing": `
Be creative and engaging while maintaining coherence.
Adapt your writing style to the requested genre or format.
Focus on originality and compelling narrative structure.
`,
	"problem_solving": `
Break down complex problems into manageable components.
Consider multiple approaches and evaluate trade-offs.
Provide step-by-step solutions with clear reasoning.
`,
	"research": `
Provide comprehensive and well-researched information.
Cite relevant sources and distinguish between facts and opinions.
Organize information logically and highlight key points.
`,
}

// systemInstructions builds the system prompt for a task type and user
// preferences. The assembled result is cached behind the semantic_cache
// flag; with the flag off every call rebuilds from the templates.
func (e *Engine) systemInstructions(req Request) string {
	cacheKey := fmt.Sprintf("system_%s_%d", req.TaskType, preferencesHash(req.UserPreferences))
	useCache := e.flagEnabled(flags.SemanticCache)

	if useCache {
		e.tmu.Lock()
		if cached, ok := e.templateCache[cacheKey]; ok {
			e.tmu.Unlock()
			return cached
		}
		e.tmu.Unlock()
	}

	full := baseInstruction
	if task, ok := taskInstructions[req.TaskType]; ok {
		full += "\n\nTask-specific guidance:\n" + task
	}
	if adaptations := preferenceAdaptations(req.UserPreferences); len(adaptations) > 0 {
		lines := make([]string, len(adaptations))
		for i, a := range adaptations {
			lines[i] = "- " + a
		}
		full += "\n\nUser preferences:\n" + strings.Join(lines, "\n")
	}

	if useCache {
		e.tmu.Lock()
		if len(e.templateCache) < e.cfg.TemplateCacheSize {
			e.templateCache[cacheKey] = full
			e.templateOrder = append(e.templateOrder, cacheKey)
		}
		e.tmu.Unlock()
	}

	return full
}

func preferenceAdaptations(prefs map[string]string) []string {
	var adaptations []string

	switch prefs["communication_style"] {
	case "formal":
		adaptations = append(adaptations, "Use formal language and professional tone.")
	case "casual":
		adaptations = append(adaptations, "Use conversational and approachable language.")
	}

	switch prefs["detail_level"] {
	case "high":
		adaptations = append(adaptations, "Provide detailed explanations and comprehensive coverage.")
	case "low":
		adaptations = append(adaptations, "Keep responses concise and focus on key points.")
	}

	switch prefs["expertise_level"] {
	case "beginner":
		adaptations = append(adaptations, "Explain concepts clearly and avoid technical jargon.")
	case "expert":
		adaptations = append(adaptations, "Use technical terminology and assume advanced knowledge.")
	}

	return adaptations
}

// preferencesHash is order-independent over the preference map.
func preferencesHash(prefs map[string]string) uint64 {
	keys := make([]string, 0, len(prefs))
	for k := range prefs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(prefs[k]))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// templateCleanupLoop evicts the oldest fifth of the template cache when
// it grows past its configured size.
func (e *Engine) templateCleanupLoop() {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.evictTemplates()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) evictTemplates() {
	e.tmu.Lock()
	defer e.tmu.Unlock()

	if len(e.templateCache) <= e.cfg.TemplateCacheSize {
		return
	}

	removeCount := len(e.templateCache) / 5
	for i := 0; i < removeCount && i < len(e.templateOrder); i++ {
		delete(e.templateCache, e.templateOrder[i])
	}
	if removeCount < len(e.templateOrder) {
		e.templateOrder = e.templateOrder[removeCount:]
	} else {
		e.templateOrder = nil
	}

	e.logger.Debug("Template cache pruned")
}
