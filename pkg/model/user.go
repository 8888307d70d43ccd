package model

import "time"

type QuotaTier string

const (
	TierDefault    QuotaTier = "default"
	TierPremium    QuotaTier = "premium"
	TierEnterprise QuotaTier = "enterprise"
)

// User identifies an owner of environments. Users are created implicitly on
// their first successful allocation and never deleted.
type User struct {
	ID        string    `gorm:"primary_key" json:"id"`
	QuotaTier QuotaTier `gorm:"type:varchar(50);default:'default'" json:"quota_tier"`
	CreatedAt time.Time `json:"created_at"`
}

// UsageSummary is the derived resource consumption of a user, computed by
// summing the user's non-terminal environments.
type UsageSummary struct {
	UserID       string `json:"user_id"`
	Environments int    `json:"environments"`
	GPUs         int    `json:"gpus"`
	MemoryMB     int64  `json:"memory_mb"`
}
