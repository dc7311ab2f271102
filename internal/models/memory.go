package models

import (
	"gorm.io/datatypes"
)

// ConversationMemory is the relational record of one remembered exchange.
// The embedding itself lives in the vector store under the same ID; this
// row carries the metadata the cleanup and retrieval paths filter on.
type ConversationMemory struct {
	BaseModel
	UserID    string `gorm:"not null;index:idx_memory_user_session" json:"user_id"`
	SessionID string `gorm:"not null;index:idx_memory_user_session" json:"session_id"`

	Content    string         `gorm:"type:text;not null" json:"content"`
	Importance float64        `gorm:"not null;index" json:"importance"`
	Metadata   datatypes.JSON `json:"metadata,omitempty"`
}

func (ConversationMemory) TableName() string {
	return "conversation_memory"
}

// ContextUsage records what the context engine assembled for a request,
// for offline analysis of compression and retrieval quality.
type ContextUsage struct {
	BaseModel
	UserID    string `gorm:"index" json:"user_id"`
	SessionID string `gorm:"index" json:"session_id"`
	TaskType  string `json:"task_type"`

	TotalTokens      int     `json:"total_tokens"`
	KnowledgeChunks  int     `json:"knowledge_chunks"`
	MemoryItems      int     `json:"memory_items"`
	Compressed       bool    `json:"compressed"`
	CompressionRatio float64 `json:"compression_ratio"`
}

func (ContextUsage) TableName() string {
	return "context_usage"
}
