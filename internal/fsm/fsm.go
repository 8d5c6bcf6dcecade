/*
Package fsm implements the per-neighbor BGP session state machine as an
explicit state-plus-event transition table. The machine is pure: it consumes
events and returns the actions the session runtime must execute, so the full
transition set can be tested without sockets or timers.
*/
package fsm

import (
	"time"

	"github.com/palantir/stacktrace"
)

// State is the BGP session state.
type State int

const (
	StateIdle State = iota
	StateConnect
	StateActive
	StateOpenSent
	StateOpenConfirm
	StateEstablished
)

func (s State) String() string {
	return [...]string{"Idle", "Connect", "Active", "OpenSent", "OpenConfirm", "Established"}[s]
}

// EventType identifies an FSM input event.
type EventType int

const (
	// EventStart begins connection establishment for the peer.
	EventStart EventType = iota
	// EventStop is an administrative stop (process shutdown).
	EventStop
	// EventConnConfirmed fires when a usable TCP connection exists.
	EventConnConfirmed
	// EventConnFailed fires on socket errors affecting an existing connection
	// and on accept failures for passive peers.
	EventConnFailed
	// EventDialFailed fires when an outbound connect attempt fails; the
	// session rests in Idle until the backoff retry timer fires.
	EventDialFailed
	// EventOpenValid fires when a syntactically and semantically acceptable
	// OPEN arrived; the session validates AS number and version beforehand.
	EventOpenValid
	// EventOpenInvalid fires when the OPEN is unacceptable.
	EventOpenInvalid
	// EventKeepaliveMsg fires on KEEPALIVE receipt.
	EventKeepaliveMsg
	// EventUpdateMsg fires on UPDATE receipt.
	EventUpdateMsg
	// EventUpdateMsgErr fires when an UPDATE fails to decode.
	EventUpdateMsgErr
	// EventNotifMsg fires on NOTIFICATION receipt.
	EventNotifMsg
	// EventHeaderErr fires on header or framing errors.
	EventHeaderErr
	// EventCollisionDump fires when connection collision resolution decided
	// to drop this session's current connection in favor of the
	// peer-initiated one; the handshake continues on the survivor.
	EventCollisionDump
	// EventConnectRetryExpired fires when the ConnectRetry timer elapses.
	EventConnectRetryExpired
	// EventHoldExpired fires when the hold timer elapses.
	EventHoldExpired
	// EventKeepaliveExpired fires when the keepalive timer elapses.
	EventKeepaliveExpired
)

func (e EventType) String() string {
	return [...]string{
		"Start", "Stop", "ConnConfirmed", "ConnFailed", "DialFailed", "OpenValid",
		"OpenInvalid", "KeepaliveMsg", "UpdateMsg", "UpdateMsgErr", "NotifMsg",
		"HeaderErr", "CollisionDump", "ConnectRetryExpired", "HoldExpired",
		"KeepaliveExpired",
	}[e]
}

// Action is an effect the session runtime must execute after a transition.
// Actions are ordered: notifications go out before sockets close.
type Action int

const (
	// ActionConnect starts an outbound TCP connect for active peers; passive
	// peers keep waiting for the listener instead.
	ActionConnect Action = iota
	// ActionArmConnectRetry arms the ConnectRetry timer with backoff.
	ActionArmConnectRetry
	// ActionStopConnectRetry cancels the ConnectRetry timer.
	ActionStopConnectRetry
	// ActionSendOpen sends the local OPEN.
	ActionSendOpen
	// ActionSendKeepalive sends a KEEPALIVE.
	ActionSendKeepalive
	// ActionSendNotification sends the NOTIFICATION matching the event that
	// caused the transition.
	ActionSendNotification
	// ActionArmHoldKeepalive arms hold and keepalive timers from the
	// negotiated hold time; a zero hold time disables both.
	ActionArmHoldKeepalive
	// ActionRestartHold re-arms the hold timer after message receipt.
	ActionRestartHold
	// ActionRouteUpdate forwards the received UPDATE to the RIB engine.
	ActionRouteUpdate
	// ActionNotifyEstablished reports the session as Established to the
	// supervisor, which triggers the initial advertisement.
	ActionNotifyEstablished
	// ActionTeardown cancels timers, releases the socket and, if the session
	// had been Established, withdraws every route learned from this peer.
	ActionTeardown
	// ActionDumpConnection sends a Cease on the collision loser, closes it and
	// forgets the hold/keepalive state negotiated on it; the session then
	// redoes the OPEN exchange on the surviving connection.
	ActionDumpConnection
)

func (a Action) String() string {
	return [...]string{
		"Connect", "ArmConnectRetry", "StopConnectRetry", "SendOpen", "SendKeepalive",
		"SendNotification", "ArmHoldKeepalive", "RestartHold", "RouteUpdate",
		"NotifyEstablished", "Teardown", "DumpConnection",
	}[a]
}

// Transition records the outcome of one handled event.
type Transition struct {
	From    State
	To      State
	Actions []Action
}

// transitions is the full event/state table. Absent entries are FSM errors:
// the machine falls back to Idle with an FSM error notification, so no event
// silently falls through.
var transitions = map[State]map[EventType]Transition{
	StateIdle: {
		EventStart: {To: StateConnect, Actions: []Action{ActionArmConnectRetry, ActionConnect}},
		EventStop:  {To: StateIdle},
		// The retry timer armed during teardown restarts the session.
		EventConnectRetryExpired: {To: StateConnect, Actions: []Action{ActionArmConnectRetry, ActionConnect}},
		// The peer may reconnect before the local retry fires.
		EventConnConfirmed: {To: StateOpenSent, Actions: []Action{ActionStopConnectRetry, ActionSendOpen}},
		// Stray socket or timer events from a torn down connection.
		EventConnFailed:       {To: StateIdle},
		EventDialFailed:       {To: StateIdle},
		EventHoldExpired:      {To: StateIdle},
		EventKeepaliveExpired: {To: StateIdle},
	},
	StateConnect: {
		EventConnConfirmed:       {To: StateOpenSent, Actions: []Action{ActionStopConnectRetry, ActionSendOpen}},
		EventConnFailed:          {To: StateActive, Actions: []Action{ActionArmConnectRetry}},
		EventDialFailed:          {To: StateIdle, Actions: []Action{ActionArmConnectRetry}},
		EventConnectRetryExpired: {To: StateConnect, Actions: []Action{ActionArmConnectRetry, ActionConnect}},
		EventNotifMsg:            {To: StateIdle, Actions: []Action{ActionTeardown, ActionArmConnectRetry}},
		EventStop:                {To: StateIdle, Actions: []Action{ActionTeardown}},
	},
	StateActive: {
		EventConnConfirmed:       {To: StateOpenSent, Actions: []Action{ActionStopConnectRetry, ActionSendOpen}},
		EventConnFailed:          {To: StateActive, Actions: []Action{ActionArmConnectRetry}},
		EventDialFailed:          {To: StateActive, Actions: []Action{ActionArmConnectRetry}},
		EventConnectRetryExpired: {To: StateConnect, Actions: []Action{ActionArmConnectRetry, ActionConnect}},
		EventStop:                {To: StateIdle, Actions: []Action{ActionTeardown}},
	},
	StateOpenSent: {
		EventOpenValid:     {To: StateOpenConfirm, Actions: []Action{ActionSendKeepalive, ActionArmHoldKeepalive}},
		EventOpenInvalid:   {To: StateIdle, Actions: []Action{ActionSendNotification, ActionTeardown, ActionArmConnectRetry}},
		EventNotifMsg:      {To: StateIdle, Actions: []Action{ActionTeardown, ActionArmConnectRetry}},
		EventHeaderErr:     {To: StateIdle, Actions: []Action{ActionSendNotification, ActionTeardown, ActionArmConnectRetry}},
		EventConnFailed:    {To: StateActive, Actions: []Action{ActionArmConnectRetry}},
		EventHoldExpired:   {To: StateIdle, Actions: []Action{ActionSendNotification, ActionTeardown, ActionArmConnectRetry}},
		EventCollisionDump: {To: StateOpenSent, Actions: []Action{ActionDumpConnection}},
		EventStop:          {To: StateIdle, Actions: []Action{ActionSendNotification, ActionTeardown}},
	},
	StateOpenConfirm: {
		EventKeepaliveMsg:     {To: StateEstablished, Actions: []Action{ActionRestartHold, ActionNotifyEstablished}},
		EventNotifMsg:         {To: StateIdle, Actions: []Action{ActionTeardown, ActionArmConnectRetry}},
		EventHeaderErr:        {To: StateIdle, Actions: []Action{ActionSendNotification, ActionTeardown, ActionArmConnectRetry}},
		EventConnFailed:       {To: StateIdle, Actions: []Action{ActionTeardown, ActionArmConnectRetry}},
		EventHoldExpired:      {To: StateIdle, Actions: []Action{ActionSendNotification, ActionTeardown, ActionArmConnectRetry}},
		EventKeepaliveExpired: {To: StateOpenConfirm, Actions: []Action{ActionSendKeepalive}},
		EventCollisionDump:    {To: StateOpenSent, Actions: []Action{ActionDumpConnection}},
		EventStop:             {To: StateIdle, Actions: []Action{ActionSendNotification, ActionTeardown}},
	},
	StateEstablished: {
		EventUpdateMsg:        {To: StateEstablished, Actions: []Action{ActionRestartHold, ActionRouteUpdate}},
		EventKeepaliveMsg:     {To: StateEstablished, Actions: []Action{ActionRestartHold}},
		EventKeepaliveExpired: {To: StateEstablished, Actions: []Action{ActionSendKeepalive}},
		EventUpdateMsgErr:     {To: StateIdle, Actions: []Action{ActionSendNotification, ActionTeardown, ActionArmConnectRetry}},
		EventNotifMsg:         {To: StateIdle, Actions: []Action{ActionTeardown, ActionArmConnectRetry}},
		EventHeaderErr:        {To: StateIdle, Actions: []Action{ActionSendNotification, ActionTeardown, ActionArmConnectRetry}},
		EventConnFailed:       {To: StateIdle, Actions: []Action{ActionTeardown, ActionArmConnectRetry}},
		EventHoldExpired:      {To: StateIdle, Actions: []Action{ActionSendNotification, ActionTeardown, ActionArmConnectRetry}},
		EventStop:             {To: StateIdle, Actions: []Action{ActionSendNotification, ActionTeardown}},
	},
}

// fsmError is the fallback for unmapped (state, event) pairs.
var fsmError = Transition{To: StateIdle, Actions: []Action{ActionSendNotification, ActionTeardown, ActionArmConnectRetry}}

// Machine holds the current state of one peer session.
type Machine struct {
	state     State
	enteredAt time.Time
}

// New returns a machine in Idle.
func New() *Machine {
	return &Machine{state: StateIdle, enteredAt: time.Now()}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// TimeInState reports how long the machine has been in its current state.
func (m *Machine) TimeInState() time.Duration {
	return time.Since(m.enteredAt)
}

// Handle applies one event. It returns the transition taken; for an event the
// table does not map in the current state, the machine moves to Idle with an
// FSM error transition and a non-nil error.
func (m *Machine) Handle(event EventType) (Transition, error) {
	from := m.state
	tr, ok := transitions[from][event]
	var err error
	if !ok {
		tr = fsmError
		err = stacktrace.NewError("event <%s> is not valid in state <%s>", event, from)
	}
	tr.From = from
	if tr.To != from {
		m.enteredAt = time.Now()
	}
	m.state = tr.To
	return tr, err
}
