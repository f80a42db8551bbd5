package gateway

import (
	"encoding/json"

	"docsync/server/internal/ot"
)

// Inbound event names.
const (
	eventJoinDocument      = "join-document"
	eventDocumentOperation = "document-operation"
	eventCursorPosition    = "cursor-position"
	eventLeaveDocument     = "leave-document"
)

// envelope is the framing for every inbound message.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type joinPayload struct {
	DocumentID string `json:"documentId"`
}

type operationPayload struct {
	DocumentID string       `json:"documentId"`
	Operation  ot.Operation `json:"operation"`
}

type cursorPayload struct {
	DocumentID string `json:"documentId"`
	Position   int    `json:"position"`
}

type leavePayload struct {
	DocumentID string `json:"documentId"`
}
