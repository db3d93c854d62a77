package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Principal is the identity resolved from a verified access token.
// It lives for the duration of a single request or realtime connection
// and is never persisted by the gateway. ExpiresAt carries the token's
// expiry so long-lived connections can be torn down when the credential
// that opened them lapses; zero means the token carried no expiry.
type Principal struct {
	UserID      string    `json:"userId"`
	WorkspaceID string    `json:"workspaceId"`
	Role        Role      `json:"role"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
}

type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ChangeEvent is an immutable record of a committed mutation reported by
// the external data store.
type ChangeEvent struct {
	WorkspaceID  string          `json:"workspace_id"`
	ResourceKind string          `json:"resource_kind"`
	ResourceID   string          `json:"resource_id"`
	Operation    Operation       `json:"operation"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Seq          int64           `json:"seq,omitempty"`
}

// Channel returns the delivery channel name for the event.
func (e ChangeEvent) Channel() string {
	return ChannelName(e.WorkspaceID, e.ResourceKind, e.ResourceID)
}

// ChannelName builds the canonical workspace-qualified channel name.
func ChannelName(workspaceID, resourceKind, resourceID string) string {
	return fmt.Sprintf("%s:%s:%s", workspaceID, resourceKind, resourceID)
}

// ChannelWorkspace extracts the workspace segment of a channel name.
// Returns false when the name is not of the form workspace:kind:id.
func ChannelWorkspace(channel string) (string, bool) {
	parts := strings.SplitN(channel, ":", 3)
	if len(parts) != 3 {
		return "", false
	}
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return "", false
		}
	}
	return parts[0], true
}

type GrantMethod string

const (
	MethodUpload   GrantMethod = "upload"
	MethodDownload GrantMethod = "download"
)

// PresignedGrant is a time-limited permission to upload or download one
// object without further gateway mediation. Validity is enforced by the
// storage provider from the signed URLs alone; the gateway keeps no record
// of issued grants.
type PresignedGrant struct {
	WorkspaceID string      `json:"workspace_id"`
	Key         string      `json:"key"`
	Method      GrantMethod `json:"method"`
	ContentType string      `json:"content_type"`
	MaxSize     int64       `json:"max_size"`
	UploadURL   string      `json:"upload_url,omitempty"`
	DownloadURL string      `json:"download_url"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

// Artifact describes one stored object, as reported by the storage provider.
type Artifact struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// User mirrors the identity provider's user representation. The gateway
// passes it through on register/login without interpreting it beyond
// the workspace binding.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	WorkspaceID string    `json:"workspaceId"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"createdAt"`
}
