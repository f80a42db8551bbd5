package session

import (
	"docsync/server/internal/access"
	"docsync/server/internal/ot"
)

// Outbound event names, the transport-level contract the editing core
// exposes. The gateway marshals these onto the wire unchanged.
const (
	EventDocumentJoined    = "document-joined"
	EventUserJoined        = "user-joined"
	EventUserLeft          = "user-left"
	EventDocumentOperation = "document-operation"
	EventDocumentUpdated   = "document-updated"
	EventCursorUpdate      = "cursor-update"
	EventError             = "error"
)

// Event is one outbound message for a single connection.
type Event struct {
	Name    string `json:"event"`
	Payload any    `json:"payload"`
}

// UserInfo identifies a collaborator in broadcast payloads.
type UserInfo struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Permission access.Tier `json:"permission"`
}

// Collaborator is one entry in a presence snapshot.
type Collaborator struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Permission access.Tier `json:"permission"`
	Position   int         `json:"position"`
}

// DocumentInfo is the document part of the document-joined payload.
type DocumentInfo struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Version int64  `json:"version"`
}

type DocumentJoinedPayload struct {
	Document    DocumentInfo   `json:"document"`
	ActiveUsers []Collaborator `json:"activeUsers"`
	Permission  access.Tier    `json:"permission"`
}

type UserEventPayload struct {
	User UserInfo `json:"user"`
}

// OperationRelayPayload is the immediate pre-reconciliation echo of an
// accepted operation to the other members.
type OperationRelayPayload struct {
	Operation ot.Operation `json:"operation"`
	User      UserInfo     `json:"user"`
}

// DocumentUpdatedPayload carries the post-reconciliation authoritative state.
type DocumentUpdatedPayload struct {
	Content string `json:"content"`
	Version int64  `json:"version"`
}

type CursorUpdatePayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Position int    `json:"position"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
