// Package gateway binds WebSocket connections to principals and mediates
// every document-scoped event through the access-control oracle before it
// reaches the session registry.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"docsync/server/internal/access"
	"docsync/server/internal/session"
	"docsync/server/internal/store"
)

// Authenticator resolves the principal behind an upgrade request. The
// authentication protocol itself is outside the editing core; the gateway
// only needs the resulting identity.
type Authenticator interface {
	Authenticate(r *http.Request) (session.Principal, error)
}

// AuthFunc adapts a function to the Authenticator interface.
type AuthFunc func(r *http.Request) (session.Principal, error)

func (f AuthFunc) Authenticate(r *http.Request) (session.Principal, error) {
	return f(r)
}

// Gateway upgrades connections and runs their event loops.
type Gateway struct {
	registry *session.Registry
	oracle   access.Oracle
	audit    store.AuditSink
	auth     Authenticator
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func New(registry *session.Registry, oracle access.Oracle, audit store.AuditSink, auth Authenticator, logger zerolog.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		oracle:   oracle,
		audit:    audit,
		auth:     auth,
		logger:   logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS is the /ws endpoint. Authentication happens before the upgrade;
// an unauthenticated request never becomes a connection.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	principal, err := g.auth.Authenticate(r)
	if err != nil {
		g.logger.Debug().Err(err).Msg("authentication rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := newConn(g, ws, principal)
	c.run(r.Context())
}

// wire is the subset of *websocket.Conn the event loops need. Tests drive
// the gateway through a fake implementation.
type wire interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type connState int

const (
	stateAuthenticated connState = iota
	stateJoined
)

// conn is one live connection: a read loop dispatching inbound events and a
// write loop draining the active document's event channel. It holds the
// active document's id only, never the session handle.
type conn struct {
	gw        *Gateway
	ws        wire
	principal session.Principal
	logger    zerolog.Logger

	state     connState
	activeDoc string

	wmu  sync.Mutex
	swap chan (<-chan session.Event)
	done chan struct{}
}

func newConn(g *Gateway, ws wire, principal session.Principal) *conn {
	return &conn{
		gw:        g,
		ws:        ws,
		principal: principal,
		logger:    g.logger.With().Str("principal", principal.ID).Logger(),
		state:     stateAuthenticated,
		swap:      make(chan (<-chan session.Event), 1),
		done:      make(chan struct{}),
	}
}

func (c *conn) run(ctx context.Context) {
	defer c.ws.Close()
	// Dismissal is guaranteed on every exit path, including abnormal
	// socket closure mid-read.
	defer c.leaveCurrent(context.WithoutCancel(ctx))
	defer close(c.done)

	go c.writeLoop()
	c.readLoop(ctx)
}

func (c *conn) readLoop(ctx context.Context) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.logger.Debug().Err(err).Msg("connection closed")
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendError("malformed message")
			continue
		}
		c.dispatch(ctx, env)
	}
}

func (c *conn) dispatch(ctx context.Context, env envelope) {
	switch env.Event {
	case eventJoinDocument:
		var p joinPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.DocumentID == "" {
			c.sendError("malformed join-document payload")
			return
		}
		c.handleJoin(ctx, p.DocumentID)
	case eventDocumentOperation:
		var p operationPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.sendError("malformed document-operation payload")
			return
		}
		c.handleOperation(ctx, p)
	case eventCursorPosition:
		var p cursorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.sendError("malformed cursor-position payload")
			return
		}
		c.handleCursor(ctx, p)
	case eventLeaveDocument:
		var p leavePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.sendError("malformed leave-document payload")
			return
		}
		c.handleLeave(ctx, p.DocumentID)
	default:
		c.sendError(fmt.Sprintf("unknown event %q", env.Event))
	}
}

func (c *conn) handleJoin(ctx context.Context, documentID string) {
	decision, err := c.gw.oracle.CheckAccess(ctx, c.principal.ID, documentID, access.TierViewer)
	if err != nil {
		c.logger.Error().Err(err).Str("document", documentID).Msg("access check failed")
		c.sendError("access check failed")
		return
	}
	if !decision.Allowed {
		c.sendError("access denied: " + decision.Reason)
		return
	}

	// A connection is joined to at most one document; joining another
	// leaves the current one first.
	if c.state == stateJoined {
		c.leaveCurrent(ctx)
	}

	joined, events, err := c.gw.registry.Admit(ctx, documentID, c.principal, decision.Tier)
	if err != nil {
		c.logger.Error().Err(err).Str("document", documentID).Msg("admit failed")
		c.sendError("unable to join document")
		return
	}
	c.state = stateJoined
	c.activeDoc = documentID
	c.setEventSource(events)

	c.send(session.Event{Name: session.EventDocumentJoined, Payload: joined})
	c.gw.audit.Record(ctx, store.Entry{
		DocumentID: documentID, PrincipalID: c.principal.ID, Action: "join",
	})
	c.logger.Debug().Str("document", documentID).Stringer("tier", decision.Tier).Msg("joined document")
}

func (c *conn) handleOperation(ctx context.Context, p operationPayload) {
	if c.state != stateJoined || p.DocumentID != c.activeDoc {
		c.sendError("not joined to document")
		return
	}
	decision, err := c.gw.oracle.CheckAccess(ctx, c.principal.ID, p.DocumentID, access.TierEditor)
	if err != nil {
		c.logger.Error().Err(err).Str("document", p.DocumentID).Msg("access check failed")
		c.sendError("access check failed")
		return
	}
	if !decision.Allowed {
		c.sendError("access denied: " + decision.Reason)
		return
	}

	op := p.Operation
	op.AuthorID = c.principal.ID
	if op.IssuedAt.IsZero() {
		op.IssuedAt = time.Now().UTC()
	}
	op.EnsureID()
	if err := op.Validate(); err != nil {
		c.sendError(err.Error())
		return
	}

	if err := c.gw.registry.Enqueue(p.DocumentID, op); err != nil {
		c.sendError(err.Error())
		return
	}
	c.gw.audit.Record(ctx, store.Entry{
		DocumentID: p.DocumentID, PrincipalID: c.principal.ID, Action: "operation",
	})
}

func (c *conn) handleCursor(ctx context.Context, p cursorPayload) {
	if c.state != stateJoined || p.DocumentID != c.activeDoc {
		c.sendError("not joined to document")
		return
	}
	decision, err := c.gw.oracle.CheckAccess(ctx, c.principal.ID, p.DocumentID, access.TierViewer)
	if err != nil || !decision.Allowed {
		c.sendError("access denied")
		return
	}
	if err := c.gw.registry.SetCursor(p.DocumentID, c.principal.ID, p.Position); err != nil {
		c.sendError(err.Error())
	}
}

func (c *conn) handleLeave(ctx context.Context, documentID string) {
	if c.state != stateJoined || documentID != c.activeDoc {
		c.sendError("not joined to document")
		return
	}
	c.leaveCurrent(ctx)
}

// leaveCurrent dismisses the connection from its active document, if any,
// and returns it to the authenticated state.
func (c *conn) leaveCurrent(ctx context.Context) {
	if c.state != stateJoined {
		return
	}
	doc := c.activeDoc
	c.state = stateAuthenticated
	c.activeDoc = ""
	c.setEventSource(nil)
	c.gw.registry.Dismiss(ctx, doc, c.principal.ID)
	c.gw.audit.Record(ctx, store.Entry{
		DocumentID: doc, PrincipalID: c.principal.ID, Action: "leave",
	})
	c.logger.Debug().Str("document", doc).Msg("left document")
}

// setEventSource hands the write loop a new channel to drain, replacing any
// value it has not consumed yet. The read loop is the only sender, so after
// the drain the buffered send cannot block, and the write loop never keeps
// an already-left document's channel.
func (c *conn) setEventSource(events <-chan session.Event) {
	select {
	case <-c.swap:
	default:
	}
	c.swap <- events
}

// writeLoop is the only goroutine writing to the socket. It drains the
// active document's event channel; a nil channel (not joined) blocks that
// select arm.
func (c *conn) writeLoop() {
	var events <-chan session.Event
	for {
		select {
		case <-c.done:
			return
		case next := <-c.swap:
			events = next
		case ev := <-events:
			c.write(ev)
		}
	}
}

// send delivers a connection-scoped event (join result, errors). It shares
// the write mutex with the write loop; gorilla allows only one writer.
func (c *conn) send(ev session.Event) {
	c.write(ev)
}

func (c *conn) sendError(message string) {
	c.send(session.Event{Name: session.EventError, Payload: session.ErrorPayload{Message: message}})
}

func (c *conn) write(ev session.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error().Err(err).Str("event", ev.Name).Msg("marshal outbound event")
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug().Err(err).Msg("write failed")
	}
}
