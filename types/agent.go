package types

import "time"

// AgentBlueprint is the persisted configuration an agent instance is built
// from: the system prompt, model, sampling parameters, and retry budget.
// Blueprints are soft-deleted via IsActive.
type AgentBlueprint struct {
	ID           uint    `gorm:"primaryKey" json:"id"`
	Name         string  `gorm:"size:255;not null;index" json:"name"`
	SystemPrompt string  `gorm:"type:text;not null" json:"system_prompt"`
	ModelID      string  `gorm:"size:255;not null" json:"model_id"`
	Temperature  float64 `gorm:"default:0.7;not null" json:"temperature"`
	MaxRetries   int     `gorm:"default:0;not null" json:"max_retries"`
	IsActive     bool    `gorm:"default:true;not null" json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
