package domain

import "time"

// ProspectFingerprint 潜在客户指纹
type ProspectFingerprint struct {
	ID             string    `json:"id"`
	Hash           string    `json:"hash"` // hash(normalizedName|normalizedCity)
	NormalizedName string    `json:"normalizedName"`
	City           string    `json:"city"`
	Source         string    `json:"source"`
	LinkedID       string    `json:"linkedId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}
