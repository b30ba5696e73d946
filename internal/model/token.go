package model

import "time"

// ConfirmToken is a short-lived, single-use credential authorizing exactly
// one governed invocation of one tool in one workspace. Redemption is
// destructive: the token is deleted on first read.
type ConfirmToken struct {
	Token         string    `json:"token"`
	WorkspaceID   string    `json:"workspace_id"`
	ToolName      string    `json:"tool_name"`
	ActionPreview string    `json:"action_preview,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func (t *ConfirmToken) Expired(now time.Time) bool {
	return now.UTC().After(t.ExpiresAt)
}
