package domain

import "time"

// WarmupState 单个发件身份的预热与信誉状态
//
// SentToday / BouncesToday 只在 LastSendDate 等于当天（UTC）时有效，
// 任何读写前都必须先做跨天对账。
type WarmupState struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Provider string `json:"provider"`

	WarmupStartedAt time.Time `json:"warmupStartedAt"`
	WarmupDay       int       `json:"warmupDay"` // 派生值，每次访问时重新计算

	SentToday    int `json:"sentToday"`
	SentTotal    int `json:"sentTotal"`
	BouncesToday int `json:"bouncesToday"`
	BouncesTotal int `json:"bouncesTotal"`

	ReputationScore int `json:"reputationScore"` // [0,100]

	Paused      bool   `json:"paused"`
	AutoPaused  bool   `json:"autoPaused,omitempty"` // 由退信触发的暂停，跨天自动解除
	PauseReason string `json:"pauseReason,omitempty"`

	LastSendDate string `json:"lastSendDate"` // YYYY-MM-DD（UTC）
}
