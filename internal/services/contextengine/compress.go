package contextengine

import (
	"encoding/json"
	"strings"
)

// compress shrinks an oversized context toward the configured target.
// System instructions are kept whole; knowledge may take up to half the
// target and memory up to a quarter, each filled greedily in priority
// order.
func (e *Engine) compress(system, knowledge string, memory Memory) (string, string, Memory) {
	targetTokens := int(float64(e.cfg.MaxContextLength) * e.cfg.CompressionThreshold)

	compressedKnowledge := compressKnowledge(knowledge, targetTokens/2)
	compressedMemory := compressMemory(memory, targetTokens/4)

	return system, compressedKnowledge, compressedMemory
}

func compressKnowledge(knowledge string, budget int) string {
	if knowledge == "" {
		return ""
	}

	var kept []string
	tokens := 0
	for _, section := range strings.Split(knowledge, "\n\n") {
		sectionTokens := len(section) / 4
		if tokens+sectionTokens > budget {
			break
		}
		kept = append(kept, section)
		tokens += sectionTokens
	}
	return strings.Join(kept, "\n\n")
}

func compressMemory(memory Memory, budget int) Memory {
	if memory.IsEmpty() {
		return Memory{}
	}

	var compressed Memory
	tokens := 0

	for _, fact := range memory.ImportantFacts {
		factTokens := itemTokens(fact)
		if tokens+factTokens > budget {
			break
		}
		compressed.ImportantFacts = append(compressed.ImportantFacts, fact)
		tokens += factTokens
	}

	remaining := budget - tokens
	for _, interaction := range memory.RecentInteractions {
		interactionTokens := itemTokens(interaction)
		if interactionTokens > remaining {
			break
		}
		compressed.RecentInteractions = append(compressed.RecentInteractions, interaction)
		remaining -= interactionTokens
	}

	return compressed
}

func itemTokens(item any) int {
	data, _ := json.Marshal(item)
	return len(data) / 4
}
