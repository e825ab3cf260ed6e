// Package cowork implements the collaborative session hub: per-session
// connection sets with presence, typing indicators, shared artifact drafts,
// and broadcast fan-out that reaps dead connections in the same pass.
package cowork

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Message types.
const (
	TypeMessage        = "message"
	TypeTyping         = "typing"
	TypeArtifactUpdate = "artifact_update"
	TypeStateSync      = "state_sync"
	TypePing           = "ping"
	TypePong           = "pong"
	TypePresence       = "presence"
)

// Message is the wire envelope in both directions.
type Message struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// Artifact is a co-edited draft. Every accepted update bumps DraftVersion
// and stamps the editor.
type Artifact struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	Content      string    `json:"content"`
	DraftVersion int       `json:"draft_version"`
	EditedBy     string    `json:"edited_by"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// State is the snapshot returned on state_sync.
type State struct {
	SessionID    string               `json:"session_id"`
	Participants []string             `json:"participants"`
	Typing       map[string]bool      `json:"typing"`
	Artifacts    map[string]*Artifact `json:"artifacts"`
}

// Conn is one writable client connection. Write failures mean the peer is
// gone; the hub drops the connection on the first failed write.
type Conn interface {
	Write(data []byte) error
	Close() error
}

// Client is one user connection inside a session.
type Client struct {
	UserID    string
	SessionID string
	conn      Conn
}

// session state is guarded by the owning hub's mutex.
type session struct {
	id        string
	clients   map[*Client]struct{}
	presence  map[string]int // user -> connection count
	typing    map[string]bool
	artifacts map[string]*Artifact
}

// Hub manages cowork sessions.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*session
	log      zerolog.Logger
	now      func() time.Time
}

// NewHub creates an empty Hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]*session),
		log:      log.With().Str("component", "cowork").Logger(),
		now:      time.Now,
	}
}

// Join adds a connection to a session, creating the session on first join,
// and broadcasts the updated presence to everyone else.
func (h *Hub) Join(sessionID, userID string, conn Conn) *Client {
	c := &Client{UserID: userID, SessionID: sessionID, conn: conn}

	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if !ok {
		s = &session{
			id:        sessionID,
			clients:   make(map[*Client]struct{}),
			presence:  make(map[string]int),
			typing:    make(map[string]bool),
			artifacts: make(map[string]*Artifact),
		}
		h.sessions[sessionID] = s
	}
	s.clients[c] = struct{}{}
	s.presence[userID]++
	h.broadcastLocked(s, c, h.presenceMessage(s))
	h.mu.Unlock()

	h.log.Info().Str("session_id", sessionID).Str("user_id", userID).Msg("cowork: joined")
	return c
}

// Leave removes a connection from its session, clears the user's presence
// when their last connection drops, and broadcasts the new presence.
func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, true)
}

func (h *Hub) leaveLocked(c *Client, broadcast bool) {
	s, ok := h.sessions[c.SessionID]
	if !ok {
		return
	}
	if _, member := s.clients[c]; !member {
		return
	}

	delete(s.clients, c)
	_ = c.conn.Close()

	s.presence[c.UserID]--
	if s.presence[c.UserID] <= 0 {
		delete(s.presence, c.UserID)
		delete(s.typing, c.UserID)
	}

	if len(s.clients) == 0 {
		delete(h.sessions, s.id)
		return
	}
	if broadcast {
		h.broadcastLocked(s, nil, h.presenceMessage(s))
	}
}

// HandleMessage processes one inbound frame from a client.
func (h *Hub) HandleMessage(c *Client, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	msg.SessionID = c.SessionID
	msg.UserID = c.UserID
	msg.Timestamp = h.now().UTC()

	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[c.SessionID]
	if !ok {
		return
	}

	switch msg.Type {
	case TypePing:
		h.send(c, Message{Type: TypePong, SessionID: c.SessionID, Timestamp: msg.Timestamp})

	case TypeStateSync:
		h.send(c, Message{
			Type:      TypeStateSync,
			SessionID: c.SessionID,
			Timestamp: msg.Timestamp,
			Payload:   mustJSON(h.snapshotLocked(s)),
		})

	case TypeTyping:
		var p struct {
			Typing bool `json:"typing"`
		}
		_ = json.Unmarshal(msg.Payload, &p)
		s.typing[c.UserID] = p.Typing
		if !p.Typing {
			delete(s.typing, c.UserID)
		}
		h.broadcastLocked(s, c, msg)

	case TypeMessage:
		h.broadcastLocked(s, c, msg)

	case TypeArtifactUpdate:
		var p struct {
			ArtifactID string `json:"artifact_id"`
			Title      string `json:"title"`
			Content    string `json:"content"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.ArtifactID == "" {
			return
		}
		a, ok := s.artifacts[p.ArtifactID]
		if !ok {
			a = &Artifact{ID: p.ArtifactID}
			s.artifacts[p.ArtifactID] = a
		}
		a.Content = p.Content
		if p.Title != "" {
			a.Title = p.Title
		}
		a.DraftVersion++
		a.EditedBy = c.UserID
		a.UpdatedAt = msg.Timestamp

		h.broadcastLocked(s, c, Message{
			Type:      TypeArtifactUpdate,
			SessionID: c.SessionID,
			UserID:    c.UserID,
			Timestamp: msg.Timestamp,
			Payload:   mustJSON(a),
		})
	}
}

// Snapshot returns the current session state, or nil for an unknown session.
func (h *Hub) Snapshot(sessionID string) *State {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[sessionID]
	if !ok {
		return nil
	}
	return h.snapshotLocked(s)
}

// SessionCount reports the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) snapshotLocked(s *session) *State {
	participants := make([]string, 0, len(s.presence))
	for user := range s.presence {
		participants = append(participants, user)
	}
	sort.Strings(participants)

	typing := make(map[string]bool, len(s.typing))
	for user, on := range s.typing {
		typing[user] = on
	}
	artifacts := make(map[string]*Artifact, len(s.artifacts))
	for id, a := range s.artifacts {
		cl := *a
		artifacts[id] = &cl
	}
	return &State{
		SessionID:    s.id,
		Participants: participants,
		Typing:       typing,
		Artifacts:    artifacts,
	}
}

func (h *Hub) presenceMessage(s *session) Message {
	return Message{
		Type:      TypePresence,
		SessionID: s.id,
		Timestamp: h.now().UTC(),
		Payload:   mustJSON(h.snapshotLocked(s).Participants),
	}
}

// broadcastLocked writes to every connection except the sender. Connections
// whose write fails are removed in the same pass, and if anyone was reaped
// the new presence is re-broadcast.
func (h *Hub) broadcastLocked(s *session, sender *Client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	var dead []*Client
	for c := range s.clients {
		if c == sender {
			continue
		}
		if err := c.conn.Write(data); err != nil {
			dead = append(dead, c)
		}
	}
	if len(dead) == 0 {
		return
	}

	for _, c := range dead {
		h.log.Info().Str("session_id", s.id).Str("user_id", c.UserID).Msg("cowork: reaping dead connection")
		h.leaveLocked(c, false)
	}
	if _, alive := h.sessions[s.id]; alive {
		h.broadcastLocked(s, nil, h.presenceMessage(s))
	}
}

// send delivers to one client, reaping it on failure.
func (h *Hub) send(c *Client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.conn.Write(data); err != nil {
		h.leaveLocked(c, true)
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return data
}
