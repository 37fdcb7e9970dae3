package stage

import (
	"fmt"

	"github.com/playhive/playhive/internal/protocol"
)

// SessionRef is the weak binding between an actor and its client session.
// The session may die independently of the actor; senders get an error once
// it is closed.
type SessionRef interface {
	ID() uint64
	// Push writes a one-way server→client frame.
	Push(msgID string, stageID int64, payload []byte) error
	// Respond writes a correlated reply frame.
	Respond(msgSeq uint16, msgID string, stageID int64, errCode uint16, payload []byte) error
}

// Actor is the per-user endpoint inside one stage. It exists in exactly one
// stage's actor table; all mutation happens on the stage worker.
type Actor struct {
	stage     *Stage
	accountID string
	session   SessionRef
	connected bool
	handler   ActorHandler
}

// Stage returns the owning stage.
func (a *Actor) Stage() *Stage { return a.stage }

// AccountID returns the account identity, empty until OnAuthenticate
// publishes it.
func (a *Actor) AccountID() string { return a.accountID }

// SetAccountID publishes the account identity. User code must call this from
// OnAuthenticate on success; the join flow rejects actors that leave it empty.
func (a *Actor) SetAccountID(id string) { a.accountID = id }

// Handler returns the user actor object.
func (a *Actor) Handler() ActorHandler { return a.handler }

// SessionID returns the bound session id, 0 when disconnected.
func (a *Actor) SessionID() uint64 {
	if a.session == nil {
		return 0
	}
	return a.session.ID()
}

// Connected reports whether the bound session is believed alive.
func (a *Actor) Connected() bool { return a.connected }

// Send pushes a one-way message to the actor's client.
func (a *Actor) Send(msgID string, payload []byte) error {
	if a.session == nil || !a.connected {
		return fmt.Errorf("actor %q: %w", a.accountID, protocol.ErrConnectionClosed)
	}
	return a.session.Push(msgID, a.stage.id, payload)
}

// rebind points the actor at a new session after a reconnect.
func (a *Actor) rebind(sess SessionRef) {
	a.session = sess
	a.connected = sess != nil
}
