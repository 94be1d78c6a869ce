// Package types defines the shared domain types and cross-package
// interfaces used to route messages between human users and agents.
// Keeping these in one leaf package lets transport, room, routing and
// agentmgr depend on narrow contracts instead of each other's concrete
// types.
package types

import (
	"context"
	"time"
)

// AgentIDType identifies an Agent uniquely across the whole system.
type AgentIDType string

// GatewayIDType identifies a Gateway process, chosen by the gateway itself.
type GatewayIDType string

// RoomIDType identifies a Room.
type RoomIDType string

// UserIDType identifies a human user (subject of the access token).
type UserIDType string

// MessageIDType identifies a Message. Callers must treat it as idempotent:
// redelivery of the same MessageID is expected under at-least-once delivery.
type MessageIDType string

// ConversationIDType identifies a Conversation Chain (§3, §4.2).
type ConversationIDType string

// SenderType distinguishes who authored a Message.
type SenderType string

const (
	SenderTypeUser  SenderType = "user"
	SenderTypeAgent SenderType = "agent"
)

// RoleType is a Room membership role.
type RoleType string

const (
	RoleOwner   RoleType = "owner"
	RoleAdmin   RoleType = "admin"
	RoleMember  RoleType = "member"
	RoleUnknown RoleType = "unknown"
)

// AgentType tags the kind of CLI/SDK an Agent wraps.
type AgentType string

const (
	AgentTypeClaudeCode AgentType = "claude-code"
	AgentTypeCodex      AgentType = "codex"
	AgentTypeGemini     AgentType = "gemini"
	AgentTypeGeneric    AgentType = "generic"
)

// PermissionMode controls whether tool calls require interactive approval.
type PermissionMode string

const (
	PermissionModeInteractive PermissionMode = "interactive"
	PermissionModeBypass      PermissionMode = "bypass"
)

// AgentStatus is the lifecycle/availability state an Agent reports to its
// gateway, and the gateway reports up to the broker (§4.3).
type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusError   AgentStatus = "error"
	AgentStatusOffline AgentStatus = "offline"
)

// RoutingMode is the outcome of the Routing Engine's mention/broadcast
// decision for a single message (§4.2).
type RoutingMode string

const (
	RoutingModeDirect    RoutingMode = "direct"
	RoutingModeBroadcast RoutingMode = "broadcast"
	RoutingModeNone      RoutingMode = "none"
)

// ChunkVariant is the tag on a streamed Adapter chunk (§3, §4.4).
type ChunkVariant string

const (
	ChunkText            ChunkVariant = "text"
	ChunkThinking        ChunkVariant = "thinking"
	ChunkToolUse         ChunkVariant = "tool_use"
	ChunkToolResult      ChunkVariant = "tool_result"
	ChunkError           ChunkVariant = "error"
	ChunkWorkspaceStatus ChunkVariant = "workspace_status"
)

// Agent is the identity record for an AI participant hosted by a Gateway.
type Agent struct {
	ID             AgentIDType    `json:"id"`
	GatewayID      GatewayIDType  `json:"gatewayId"`
	OwnerUserID    UserIDType     `json:"ownerUserId"`
	Name           string         `json:"name"`
	Type           AgentType      `json:"type"`
	WorkingDir     string         `json:"workingDir,omitempty"`
	Capabilities   []string       `json:"capabilities,omitempty"`
	PermissionMode PermissionMode `json:"permissionMode"`
	Status         AgentStatus    `json:"status"`
	QueueDepth     int            `json:"queueDepth"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	LastSeenAt     time.Time      `json:"lastSeenAt"`
}

// Gateway is a long-lived outbound process hosting one or more Agents.
type Gateway struct {
	ID          GatewayIDType `json:"id"`
	OwnerUserID UserIDType    `json:"ownerUserId"`
	ConnectedAt time.Time     `json:"connectedAt"`
}

// Member is a Room participant, human or agent.
type Member struct {
	ID         string     `json:"id"` // UserIDType or AgentIDType, stringified
	Type       SenderType `json:"type"`
	Name       string     `json:"name"`
	AgentType  AgentType  `json:"agentType,omitempty"` // only meaningful when Type == SenderTypeAgent
	Role       RoleType   `json:"role"`
	NotifyPref string     `json:"notifyPref,omitempty"`
	Pinned     bool       `json:"pinned"`
	Archived   bool       `json:"archived"`
	JoinedAt   time.Time  `json:"joinedAt"`
}

// Room is a conversation channel.
type Room struct {
	ID            RoomIDType `json:"id"`
	Name          string     `json:"name"`
	BroadcastMode bool       `json:"broadcastMode"`
	SystemPrompt  string     `json:"systemPrompt,omitempty"` // max 10k chars, enforced by callers
	Members       []Member   `json:"members"`
}

// Attachment is an ordered attachment reference carried by a Message.
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
	URL         string `json:"url"`
}

// ParsedChunk is the streaming unit produced by an Adapter (§3).
type ParsedChunk struct {
	Variant  ChunkVariant      `json:"variant"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"` // toolName, toolId, workingDirectory, ...
}

// Message is an immutable chat record.
type Message struct {
	ID             MessageIDType       `json:"id"`
	RoomID         RoomIDType          `json:"roomId"`
	SenderID       string              `json:"senderId"`
	SenderType     SenderType          `json:"senderType"`
	SenderName     string              `json:"senderName"`
	Content        string              `json:"content"`
	Attachments    []Attachment        `json:"attachments,omitempty"`
	Mentions       []string            `json:"mentions,omitempty"`
	ReplyTo        MessageIDType       `json:"replyTo,omitempty"`
	ConversationID ConversationIDType  `json:"conversationId,omitempty"`
	Depth          int                 `json:"depth"`
	CreatedAt      time.Time           `json:"createdAt"`
	Chunks         []ParsedChunk       `json:"chunks,omitempty"` // populated for agent messages that support replay
}

// PermissionRequest is an ephemeral interactive tool-approval gate (§4.5).
type PermissionRequest struct {
	ID        string         `json:"id"`
	AgentID   AgentIDType    `json:"agentId"`
	RoomID    RoomIDType     `json:"roomId"`
	ToolName  string         `json:"toolName"`
	ToolInput map[string]any `json:"toolInput,omitempty"`
	Deadline  time.Time      `json:"deadline"`
	CreatedAt time.Time      `json:"createdAt"`
}

// PermissionDecision is the resolution of a PermissionRequest.
type PermissionDecision string

const (
	PermissionAllow PermissionDecision = "allow"
	PermissionDeny  PermissionDecision = "deny"
)

// RoomContextSnapshot is the per-(agent,room) context payload pushed from
// the broker down to a gateway (§4.6).
type RoomContextSnapshot struct {
	RoomID         RoomIDType `json:"roomId"`
	RoomName       string     `json:"roomName"`
	SystemPrompt   string     `json:"systemPrompt,omitempty"`
	Members        []Member   `json:"members"`
	RecentMessages []Message  `json:"recentMessages"`
	PushedAt       time.Time  `json:"pushedAt"`
}

// WorkspaceChangedFile is one file entry in a WorkspaceStatus (§4.7).
type WorkspaceChangedFile struct {
	Path      string `json:"path"`
	Status    string `json:"status"` // added|modified|deleted|renamed|untracked
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Diff      string `json:"diff,omitempty"`
}

// WorkspaceCommit is a single recent commit summary (§4.7).
type WorkspaceCommit struct {
	Hash    string `json:"hash"`
	Message string `json:"message"`
}

// WorkspaceStatus is the bounded workspace probe result (§4.7).
type WorkspaceStatus struct {
	Branch        string                 `json:"branch"`
	ChangedFiles  []WorkspaceChangedFile `json:"changedFiles"`
	FilesChanged  int                    `json:"filesChanged"`
	Additions     int                    `json:"additions"`
	Deletions     int                    `json:"deletions"`
	RecentCommits []WorkspaceCommit      `json:"recentCommits"`
}

// SettingType enumerates the Settings Registry's supported value kinds (§4.11).
type SettingType string

const (
	SettingString  SettingType = "string"
	SettingNumber  SettingType = "number"
	SettingBoolean SettingType = "boolean"
	SettingEnum    SettingType = "enum"
)

// SettingDefinition describes one typed, validated settings key.
type SettingDefinition struct {
	Key          string
	Group        string
	Type         SettingType
	DefaultValue string
	EnvKey       string
	EnumValues   []string
	Min          *float64
	Max          *float64
	Sensitive    bool
}

// --- Cross-package interfaces ---

// TokenValidator authenticates bearer access tokens into claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (Claims, error)
}

// Claims is the minimal identity surface a validated access token provides.
type Claims struct {
	Subject   string // user id
	Name      string
	Email     string
	GatewayID string // present only on gateway-socket handshakes
	IssuedAt  time.Time
}

// BusService is the pub/sub fabric used for cross-process token
// revocation broadcast (§4.9).
type BusService interface {
	Publish(ctx context.Context, channel string, payload any) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) error
	Close() error
}

// RevocationChecker answers whether a token issued at iatMs has since been
// revoked for its subject (§4.9, §8 property 5).
type RevocationChecker interface {
	IsRevoked(ctx context.Context, userID string, issuedAt time.Time) bool
	Revoke(ctx context.Context, userID string, at time.Time) error
}

// SettingsReader is the read side of the Settings Registry (§4.11).
type SettingsReader interface {
	GetString(ctx context.Context, key string) (string, error)
	GetInt(ctx context.Context, key string) (int64, error)
	GetBool(ctx context.Context, key string) (bool, error)
}

// ClientInterface is the narrow contract the room/routing packages need
// from a connected client-surface socket, independent of the transport
// package's framing and buffered-outbox details.
type ClientInterface interface {
	UserID() UserIDType
	Send(v any) error
	Disconnect()
}

// GatewaySocket is the narrow contract agentmgr/routing need from a
// connected gateway-surface socket.
type GatewaySocket interface {
	GatewayID() GatewayIDType
	OwnerUserID() UserIDType
	Send(v any) error
	Disconnect()
}

// Roomer is the narrow view of a Room the routing engine and transport
// hub depend on, so neither needs the concrete internal/room type.
type Roomer interface {
	GetID() RoomIDType
	IsMember(id string) bool
	Members() []Member
	IsBroadcastMode() bool
}
