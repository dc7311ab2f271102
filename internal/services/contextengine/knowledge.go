package contextengine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tollgate-ai/tollgate/internal/services/vectorstore"
)

const knowledgeSearchLimit = 10

// retrieveKnowledge searches the knowledge base for chunks relevant to
// the query and packs as many as fit the knowledge budget, most relevant
// first. Any failure returns an empty string; a request never dies on
// retrieval.
func (e *Engine) retrieveKnowledge(ctx context.Context, req Request) string {
	if e.vectors == nil || e.embedder == nil || req.Query == "" {
		return ""
	}

	embedding, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		e.logger.Error("Knowledge retrieval failed", zap.Error(err))
		return ""
	}

	results, err := e.vectors.Search(ctx, vectorstore.CollectionKnowledge, embedding, knowledgeSearchLimit, vectorstore.Filter{})
	if err != nil {
		e.logger.Error("Knowledge retrieval failed", zap.Error(err))
		return ""
	}

	budget := req.KnowledgeBudget
	if budget <= 0 {
		budget = e.cfg.KnowledgeBudget
	}

	var sections []string
	totalTokens := 0
	for _, result := range results {
		if result.Similarity < e.cfg.SimilarityThreshold {
			continue
		}
		if totalTokens >= budget {
			break
		}
		chunkTokens := len(result.Document.Content) / 4
		if totalTokens+chunkTokens > budget {
			continue
		}

		source := result.Document.Source
		if source == "" {
			source = "unknown"
		}
		sections = append(sections, fmt.Sprintf("Source: %s (Relevance: %.2f)\n%s",
			source, result.Similarity, result.Document.Content))
		totalTokens += chunkTokens
	}

	return strings.Join(sections, "\n\n")
}
