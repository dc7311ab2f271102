package contextengine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tollgate-ai/tollgate/internal/config"
	"github.com/tollgate-ai/tollgate/internal/models"
	"github.com/tollgate-ai/tollgate/internal/services/flags"
	"github.com/tollgate-ai/tollgate/internal/services/providers"
	"github.com/tollgate-ai/tollgate/internal/services/vectorstore"
)

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorStore is the slice of the embedding store the engine needs.
type VectorStore interface {
	Upsert(ctx context.Context, doc vectorstore.Document) error
	Search(ctx context.Context, collection string, embedding []float32, topK int, filter vectorstore.Filter) ([]vectorstore.Result, error)
	DeleteOlderThan(ctx context.Context, collection string, cutoff time.Time, maxImportance float64) (int64, error)
}

// Request describes what the engine should assemble context for.
type Request struct {
	UserID          string
	SessionID       string
	TaskType        string
	Query           string
	UserPreferences map[string]string
	AvailableTools  []string
	KnowledgeBudget int
}

// Memory is the retrieved conversation memory, split by importance.
type Memory struct {
	RecentInteractions []MemoryInteraction `json:"recent_interactions"`
	ImportantFacts     []MemoryFact        `json:"important_facts"`
}

type MemoryInteraction struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type MemoryFact struct {
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Importance float64   `json:"importance"`
}

func (m Memory) IsEmpty() bool {
	return len(m.RecentInteractions) == 0 && len(m.ImportantFacts) == 0
}

// EngineeredContext is the assembled context for one request.
type EngineeredContext struct {
	SystemInstructions string
	Knowledge          string
	Tools              []providers.Tool
	Memory             Memory
	TokenCount         int
	CompressionRatio   float64 // 0 when no compression happened
	KnowledgeChunks    int
	ProcessingTime     time.Duration
}

// Engine assembles per-request context: task- and preference-aware system
// instructions, knowledge retrieved from the vector store, tool
// recommendations, and conversation memory, compressed down to the
// configured context window when the pieces overflow it.
type Engine struct {
	db       *gorm.DB
	vectors  VectorStore
	embedder Embedder
	flags    *flags.Store
	cfg      config.ContextConfig
	logger   *zap.Logger

	tmu           sync.Mutex
	templateCache map[string]string
	templateOrder []string

	mmu         sync.Mutex
	memoryCache map[string][]memoryEntry

	stopCh   chan struct{}
	stopOnce sync.Once
}

type memoryEntry struct {
	content    string
	timestamp  time.Time
	importance float64
}

func New(db *gorm.DB, vectors VectorStore, embedder Embedder, flagStore *flags.Store, cfg config.ContextConfig, logger *zap.Logger) *Engine {
	return &Engine{
		db:            db,
		vectors:       vectors,
		embedder:      embedder,
		flags:         flagStore,
		cfg:           cfg,
		logger:        logger,
		templateCache: make(map[string]string),
		memoryCache:   make(map[string][]memoryEntry),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the memory and template-cache cleanup loops.
func (e *Engine) Start() {
	go e.memoryCleanupLoop()
	go e.templateCleanupLoop()
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// EngineerContext assembles the context for a request. Retrieval failures
// degrade the affected component rather than failing the request.
func (e *Engine) EngineerContext(ctx context.Context, req Request) (*EngineeredContext, error) {
	start := time.Now()

	system := e.systemInstructions(req)
	knowledge := e.retrieveKnowledge(ctx, req)
	tools := e.selectTools(req)
	memory := e.retrieveMemory(ctx, req)

	tokenCount := contextTokens(system, knowledge, memory)

	var ratio float64
	if tokenCount > e.cfg.MaxContextLength && e.flagEnabled(flags.ContextCompression) {
		system, knowledge, memory = e.compress(system, knowledge, memory)
		compressed := contextTokens(system, knowledge, memory)
		ratio = float64(compressed) / float64(tokenCount)
		tokenCount = compressed
	}

	result := &EngineeredContext{
		SystemInstructions: system,
		Knowledge:          knowledge,
		Tools:              tools,
		Memory:             memory,
		TokenCount:         tokenCount,
		CompressionRatio:   ratio,
		KnowledgeChunks:    countKnowledgeChunks(knowledge),
		ProcessingTime:     time.Since(start),
	}

	e.storeContextUsage(ctx, req, result)

	e.logger.Debug("Context engineered",
		zap.String("task_type", req.TaskType),
		zap.Int("tokens", result.TokenCount),
		zap.Int("knowledge_chunks", result.KnowledgeChunks),
		zap.Duration("elapsed", result.ProcessingTime))

	return result, nil
}

// flagEnabled consults the runtime flag store. Without one the engine's
// features are all on, driven by config alone.
func (e *Engine) flagEnabled(name string) bool {
	if e.flags == nil {
		return true
	}
	return e.flags.IsEnabled(name)
}

// contextTokens estimates the token footprint of the assembled pieces at
// four characters per token, memory counted in its serialized form.
func contextTokens(system, knowledge string, memory Memory) int {
	memoryJSON, _ := json.Marshal(memory)
	return (len(system) + 1 + len(knowledge) + 1 + len(memoryJSON)) / 4
}

func countKnowledgeChunks(knowledge string) int {
	if knowledge == "" {
		return 0
	}
	count := 1
	for i := 0; i+1 < len(knowledge); i++ {
		if knowledge[i] == '\n' && knowledge[i+1] == '\n' {
			count++
		}
	}
	return count
}

func (e *Engine) storeContextUsage(ctx context.Context, req Request, ec *EngineeredContext) {
	if e.db == nil {
		return
	}
	usage := models.ContextUsage{
		UserID:           req.UserID,
		SessionID:        req.SessionID,
		TaskType:         req.TaskType,
		TotalTokens:      ec.TokenCount,
		KnowledgeChunks:  ec.KnowledgeChunks,
		MemoryItems:      len(ec.Memory.RecentInteractions) + len(ec.Memory.ImportantFacts),
		Compressed:       ec.CompressionRatio > 0,
		CompressionRatio: ec.CompressionRatio,
	}
	if err := e.db.WithContext(ctx).Create(&usage).Error; err != nil {
		e.logger.Error("Failed to store context usage", zap.Error(err))
	}
}
