package contextengine

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tollgate-ai/tollgate/internal/models"
	"github.com/tollgate-ai/tollgate/internal/services/providers"
	"github.com/tollgate-ai/tollgate/internal/services/vectorstore"
)

const (
	memoryFetchLimit      = 50
	memoryContextLimit    = 10
	importantFactCutoff   = 0.7
	memoryCacheHardLimit  = 100
	memoryCacheTrimTarget = 50
)

// retrieveMemory returns the most important and most recent conversation
// memory for the user and session, split into important facts and recent
// interactions.
func (e *Engine) retrieveMemory(ctx context.Context, req Request) Memory {
	if e.db == nil || req.UserID == "" {
		return Memory{}
	}

	cacheKey := req.UserID + ":" + req.SessionID

	e.mmu.Lock()
	entries, ok := e.memoryCache[cacheKey]
	e.mmu.Unlock()

	if !ok {
		entries = e.fetchMemoryFromDB(ctx, req)
		e.mmu.Lock()
		e.memoryCache[cacheKey] = entries
		e.mmu.Unlock()
	}

	sorted := make([]memoryEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].importance != sorted[j].importance {
			return sorted[i].importance > sorted[j].importance
		}
		return sorted[i].timestamp.After(sorted[j].timestamp)
	})

	var memory Memory
	for i, entry := range sorted {
		if i >= memoryContextLimit {
			break
		}
		if entry.importance > importantFactCutoff {
			memory.ImportantFacts = append(memory.ImportantFacts, MemoryFact{
				Content:    entry.content,
				Timestamp:  entry.timestamp,
				Importance: entry.importance,
			})
		} else {
			memory.RecentInteractions = append(memory.RecentInteractions, MemoryInteraction{
				Content:   entry.content,
				Timestamp: entry.timestamp,
			})
		}
	}
	return memory
}

func (e *Engine) fetchMemoryFromDB(ctx context.Context, req Request) []memoryEntry {
	var rows []models.ConversationMemory
	err := e.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", req.UserID, req.SessionID).
		Order("created_at DESC").
		Limit(memoryFetchLimit).
		Find(&rows).Error
	if err != nil {
		e.logger.Error("Memory fetch failed", zap.Error(err))
		return nil
	}

	entries := make([]memoryEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, memoryEntry{
			content:    row.Content,
			timestamp:  row.CreatedAt,
			importance: row.Importance,
		})
	}
	return entries
}

// StoreConversationMemory persists messages from a finished exchange so
// later requests in the session can recall them. Each message is scored
// for importance, written to the database, embedded into the memory
// collection, and appended to the session cache.
func (e *Engine) StoreConversationMemory(ctx context.Context, userID, sessionID string, messages []providers.Message) {
	cacheKey := userID + ":" + sessionID

	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		importance := importanceScore(msg.Content)

		row := models.ConversationMemory{
			UserID:     userID,
			SessionID:  sessionID,
			Content:    msg.Content,
			Importance: importance,
		}
		if e.db != nil {
			if err := e.db.WithContext(ctx).Create(&row).Error; err != nil {
				e.logger.Error("Failed to store conversation memory", zap.Error(err))
				continue
			}
		}

		e.embedMemory(ctx, row)

		e.mmu.Lock()
		e.memoryCache[cacheKey] = append(e.memoryCache[cacheKey], memoryEntry{
			content:    msg.Content,
			timestamp:  time.Now(),
			importance: importance,
		})
		if len(e.memoryCache[cacheKey]) > memoryCacheHardLimit {
			entries := e.memoryCache[cacheKey]
			e.memoryCache[cacheKey] = entries[len(entries)-memoryCacheTrimTarget:]
		}
		e.mmu.Unlock()
	}
}

// embedMemory mirrors a memory row into the vector store. Failures are
// logged and dropped; the relational row remains authoritative.
func (e *Engine) embedMemory(ctx context.Context, row models.ConversationMemory) {
	if e.vectors == nil || e.embedder == nil {
		return
	}
	embedding, err := e.embedder.Embed(ctx, row.Content)
	if err != nil {
		e.logger.Warn("Memory embedding failed", zap.Error(err))
		return
	}

	id := row.ID.String()
	if row.ID == uuid.Nil {
		id = uuid.New().String()
	}
	doc := vectorstore.Document{
		ID:         id,
		Collection: vectorstore.CollectionMemory,
		Content:    row.Content,
		UserID:     row.UserID,
		SessionID:  row.SessionID,
		Importance: row.Importance,
		Embedding:  embedding,
	}
	if err := e.vectors.Upsert(ctx, doc); err != nil {
		e.logger.Warn("Memory embedding upsert failed", zap.Error(err))
	}
}

// importanceScore rates a message's long-term value from simple content
// heuristics, clamped to [0, 1].
func importanceScore(content string) float64 {
	score := 0.5
	lower := strings.ToLower(content)

	questionWords := []string{"?", "how", "what", "why", "when", "where"}
	for _, w := range questionWords {
		if strings.Contains(lower, w) {
			score += 0.2
			break
		}
	}

	preferenceWords := []string{"prefer", "like", "dislike", "always", "never"}
	for _, w := range preferenceWords {
		if strings.Contains(lower, w) {
			score += 0.3
			break
		}
	}

	importantKeywords := []string{"important", "critical", "urgent", "remember", "note"}
	for _, w := range importantKeywords {
		if strings.Contains(lower, w) {
			score += 0.4
			break
		}
	}

	if len(lower) < 10 {
		score -= 0.2
	}
	if len(lower) > 100 {
		score += 0.1
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// memoryCleanupLoop prunes stale memory hourly: low-importance rows past
// thirty days, everything past ninety, and cache entries past a day.
func (e *Engine) memoryCleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.cleanupMemory()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) cleanupMemory() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if e.db != nil {
		err := e.db.WithContext(ctx).Exec(`
			DELETE FROM conversation_memory
			WHERE created_at < NOW() - INTERVAL '30 days'
			  AND importance < 0.3`).Error
		if err != nil {
			e.logger.Error("Memory cleanup failed", zap.Error(err))
		}

		err = e.db.WithContext(ctx).Exec(`
			DELETE FROM conversation_memory
			WHERE created_at < NOW() - INTERVAL '90 days'`).Error
		if err != nil {
			e.logger.Error("Memory cleanup failed", zap.Error(err))
		}
	}

	if e.vectors != nil {
		now := time.Now()
		if _, err := e.vectors.DeleteOlderThan(ctx, vectorstore.CollectionMemory, now.AddDate(0, 0, -30), 0.3); err != nil {
			e.logger.Error("Vector memory cleanup failed", zap.Error(err))
		}
		if _, err := e.vectors.DeleteOlderThan(ctx, vectorstore.CollectionMemory, now.AddDate(0, 0, -90), -1); err != nil {
			e.logger.Error("Vector memory cleanup failed", zap.Error(err))
		}
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	e.mmu.Lock()
	for key, entries := range e.memoryCache {
		recent := entries[:0:0]
		for _, entry := range entries {
			if entry.timestamp.After(cutoff) {
				recent = append(recent, entry)
			}
		}
		if len(recent) > 0 {
			e.memoryCache[key] = recent
		} else {
			delete(e.memoryCache, key)
		}
	}
	e.mmu.Unlock()

	e.logger.Debug("Memory cleanup completed")
}
