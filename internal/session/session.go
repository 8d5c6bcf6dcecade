/*
Package session implements the per-neighbor runtime: it owns the TCP
connection, the ConnectRetry/Hold/Keepalive timers and the message buffering,
and drives the fsm transition table. Each session runs as its own service
goroutine; everything it wants from the rest of the speaker goes through the
supervisor output channel, so a stalled peer can never block another.
*/
package session

import (
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/juju/loggo"
	"github.com/palantir/stacktrace"

	"github.com/stiltzkin10/bgp-ai-agent/internal/config"
	"github.com/stiltzkin10/bgp-ai-agent/internal/fsm"
	"github.com/stiltzkin10/bgp-ai-agent/internal/packet"
	"github.com/stiltzkin10/bgp-ai-agent/internal/service"
)

const (
	// connectRetryInitial is the first backoff interval after a failure.
	connectRetryInitial = 5 * time.Second
	// connectRetryMax caps the exponential backoff.
	connectRetryMax = 120 * time.Second
	// dialTimeout bounds one outbound connect attempt.
	dialTimeout = 10 * time.Second
	// writeTimeout bounds one message write.
	writeTimeout = 10 * time.Second
)

// OutputKind discriminates the events a session reports to the supervisor.
type OutputKind int

const (
	// KindEstablished : the session reached Established.
	KindEstablished OutputKind = iota
	// KindUpdate : an UPDATE arrived and must be absorbed into the RIB.
	KindUpdate
	// KindDown : the session left Established (or a connection attempt died);
	// the supervisor withdraws the peer's routes if it had been Established.
	KindDown
)

// Output is one FSM output event delivered to the supervisor's serialized
// event loop.
type Output struct {
	Peer     netip.Addr
	Kind     OutputKind
	RouterID netip.Addr
	RemoteAS uint16
	Update   *packet.Update
}

// Info is a point-in-time snapshot of one session for the control plane.
type Info struct {
	Address      netip.Addr
	RemoteAS     uint16
	State        fsm.State
	TimeInState  time.Duration
	HoldTime     time.Duration
	MsgsSent     uint64
	MsgsReceived uint64
	MsgErrors    uint64
}

type evKind int

const (
	evFSM evKind = iota
	evDialOK
	evInbound
	evMessage
	evDecodeErr
	evConnErr
)

type sessionEvent struct {
	kind     evKind
	epoch    int
	connID   int
	conn     net.Conn
	msg      packet.Message
	err      error
	fsmEvent fsm.EventType
}

type connState struct {
	id      int
	conn    net.Conn
	inbound bool
}

// Session drives one configured neighbor.
type Session struct {
	service.Service

	cfg   *config.PeerConfig
	local *config.LocalConfig
	out   chan<- Output

	machine *fsm.Machine
	events  chan sessionEvent
	stopped chan struct{}

	// Outbound UPDATE queue, fed by the supervisor without ever blocking it.
	outMu   sync.Mutex
	outbox  []*packet.Update
	outWake chan struct{}

	// Loop-owned protocol state.
	epoch          int
	nextConnID     int
	current        *connState
	second         *connState
	dumped         *connState
	remoteAS       uint16
	remoteRouterID netip.Addr
	negotiatedHold time.Duration
	retryInterval  time.Duration
	pendingNotif   *packet.Notification
	lastUpdate     *packet.Update

	connectRetry   *time.Timer
	holdTimer      *time.Timer
	keepaliveTimer *time.Timer

	// Snapshot fields, guarded by mutex, readable from the control plane.
	mutex        sync.Mutex
	snapState    fsm.State
	snapSince    time.Time
	snapHold     time.Duration
	snapRemoteAS uint16
	msgsSent     uint64
	msgsReceived uint64
	msgErrors    uint64
}

// New builds the session for one configured neighbor. It starts in Idle and
// does nothing until the service is started.
func New(cfg *config.PeerConfig, local *config.LocalConfig, out chan<- Output) (*Session, error) {
	if cfg == nil {
		return nil, stacktrace.NewError("invalid <nil> peer config")
	}
	if local == nil {
		return nil, stacktrace.NewError("invalid <nil> local config")
	}
	if out == nil {
		return nil, stacktrace.NewError("invalid <nil> output channel")
	}
	s := &Session{
		cfg:           cfg,
		local:         local,
		out:           out,
		machine:       fsm.New(),
		events:        make(chan sessionEvent, 64),
		outWake:       make(chan struct{}, 1),
		stopped:       make(chan struct{}),
		retryInterval: connectRetryInitial,
		snapState:     fsm.StateIdle,
		snapSince:     time.Now(),
		snapRemoteAS:  cfg.RemoteAS,
	}
	if err := s.InitializeService("session "+cfg.Address, s); err != nil {
		return nil, stacktrace.Propagate(err, "fail to initialize session service for <%s>", cfg.Address)
	}
	return s, nil
}

// Addr returns the neighbor address.
func (s *Session) Addr() netip.Addr {
	return s.cfg.Addr()
}

// DeliverInbound hands an accepted connection from this neighbor to the
// session. Ownership of conn transfers to the session.
func (s *Session) DeliverInbound(conn net.Conn) {
	select {
	case s.events <- sessionEvent{kind: evInbound, conn: conn}:
	case <-s.stopped:
		conn.Close()
	}
}

// SendUpdates queues outbound UPDATE messages. It never blocks the caller:
// the queue is drained by the session loop, and anything still queued while
// the session is not Established is silently dropped.
func (s *Session) SendUpdates(updates []*packet.Update) {
	if len(updates) == 0 {
		return
	}
	s.outMu.Lock()
	s.outbox = append(s.outbox, updates...)
	s.outMu.Unlock()
	select {
	case s.outWake <- struct{}{}:
	default:
	}
}

// Snapshot returns the current control-plane view of the session.
func (s *Session) Snapshot() Info {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return Info{
		Address:      s.cfg.Addr(),
		RemoteAS:     s.snapRemoteAS,
		State:        s.snapState,
		TimeInState:  time.Since(s.snapSince),
		HoldTime:     s.snapHold,
		MsgsSent:     s.msgsSent,
		MsgsReceived: s.msgsReceived,
		MsgErrors:    s.msgErrors,
	}
}

// Run is the session event loop. Every FSM transition and every socket or
// timer event of this peer is processed here, one at a time.
func (s *Session) Run(shutdownSignal chan time.Duration) error {
	// Passive peers rest in Idle until the listener hands over a connection.
	if !s.cfg.Passive {
		s.handleFSM(fsm.EventStart)
	}
	for {
		select {
		case <-shutdownSignal:
			s.pendingNotif = &packet.Notification{Code: packet.ErrCodeCease}
			s.handleFSM(fsm.EventStop)
			return nil
		case <-s.outWake:
			s.flushOutbox()
		case ev := <-s.events:
			s.dispatch(ev)
		}
	}
}

// flushOutbox drains the queued outbound UPDATEs onto the wire.
func (s *Session) flushOutbox() {
	s.outMu.Lock()
	pending := s.outbox
	s.outbox = nil
	s.outMu.Unlock()
	if s.machine.State() != fsm.StateEstablished {
		return
	}
	for _, update := range pending {
		s.writeMessage(update)
	}
}

// Release closes whatever the loop still holds.
func (s *Session) Release() error {
	close(s.stopped)
	s.stopTimer(&s.connectRetry)
	s.stopTimer(&s.holdTimer)
	s.stopTimer(&s.keepaliveTimer)
	s.closeConn(&s.current)
	s.closeConn(&s.second)
	s.closeConn(&s.dumped)
	return nil
}

func (s *Session) dispatch(ev sessionEvent) {
	switch ev.kind {
	case evFSM:
		if ev.epoch != s.epoch {
			return
		}
		if ev.fsmEvent == fsm.EventHoldExpired {
			s.pendingNotif = &packet.Notification{Code: packet.ErrCodeHoldTimerExpired}
		}
		s.handleFSM(ev.fsmEvent)
	case evDialOK:
		if ev.epoch != s.epoch || s.current != nil {
			// A concurrent inbound connection won the race.
			ev.conn.Close()
			return
		}
		s.adoptConn(ev.conn, false)
		s.handleFSM(fsm.EventConnConfirmed)
	case evInbound:
		s.handleInbound(ev.conn)
	case evMessage:
		s.handleMessage(ev.connID, ev.msg)
	case evDecodeErr:
		s.handleDecodeErr(ev.connID, ev.err)
	case evConnErr:
		s.handleConnErr(ev.connID, ev.err)
	}
}

// handleFSM runs one event through the transition table and executes the
// resulting actions in order.
func (s *Session) handleFSM(event fsm.EventType) {
	tr, err := s.machine.Handle(event)
	if err != nil {
		s.countError()
		if s.pendingNotif == nil {
			s.pendingNotif = &packet.Notification{Code: packet.ErrCodeFSM}
		}
		loggo.GetLogger("").Warningf("[%s] %s", s.GetServiceName(), err)
	}
	loggo.GetLogger("").Debugf("[%s] %s --%s--> %s", s.GetServiceName(), tr.From, event, tr.To)
	for _, action := range tr.Actions {
		s.execute(action, tr)
	}
	if event == fsm.EventKeepaliveExpired && s.keepaliveInterval() > 0 &&
		(tr.To == fsm.StateOpenConfirm || tr.To == fsm.StateEstablished) {
		s.armKeepalive()
	}
	s.pendingNotif = nil
	s.updateSnapshot(tr)
}

func (s *Session) execute(action fsm.Action, tr fsm.Transition) {
	switch action {
	case fsm.ActionConnect:
		s.startDial()
	case fsm.ActionArmConnectRetry:
		s.armConnectRetry()
	case fsm.ActionStopConnectRetry:
		s.stopTimer(&s.connectRetry)
	case fsm.ActionSendOpen:
		s.writeMessage(&packet.Open{
			Version:  packet.Version4,
			AS:       s.local.ASN,
			HoldTime: uint16(s.cfg.HoldTimeDuration() / time.Second),
			RouterID: s.local.RouterIDAddr(),
		})
	case fsm.ActionSendKeepalive:
		s.writeMessage(&packet.Keepalive{})
	case fsm.ActionSendNotification:
		notif := s.pendingNotif
		if notif == nil {
			notif = &packet.Notification{Code: packet.ErrCodeFSM}
		}
		s.writeMessage(notif)
	case fsm.ActionArmHoldKeepalive:
		s.armHold()
		s.armKeepalive()
	case fsm.ActionRestartHold:
		s.armHold()
	case fsm.ActionRouteUpdate:
		s.emit(Output{Peer: s.cfg.Addr(), Kind: KindUpdate, Update: s.lastUpdate})
		s.lastUpdate = nil
	case fsm.ActionNotifyEstablished:
		s.retryInterval = connectRetryInitial
		s.emit(Output{
			Peer:     s.cfg.Addr(),
			Kind:     KindEstablished,
			RouterID: s.remoteRouterID,
			RemoteAS: s.remoteAS,
		})
	case fsm.ActionTeardown:
		s.teardown(tr)
	case fsm.ActionDumpConnection:
		s.dumpConnection()
	}
}

// dumpConnection finishes collision resolution in favor of the peer-initiated
// connection: the loser gets a Cease and everything negotiated on it is
// forgotten, so the OPEN exchange restarts cleanly on the survivor.
func (s *Session) dumpConnection() {
	s.stopTimer(&s.holdTimer)
	s.stopTimer(&s.keepaliveTimer)
	s.remoteAS = 0
	s.remoteRouterID = netip.Addr{}
	s.negotiatedHold = 0
	if s.dumped != nil {
		s.writeMessageOn(s.dumped, &packet.Notification{Code: packet.ErrCodeCease})
		s.closeConn(&s.dumped)
	}
}

// teardown releases the connection and timers. The supervisor is always told;
// it only acts when the session had been Established.
func (s *Session) teardown(tr fsm.Transition) {
	s.stopTimer(&s.holdTimer)
	s.stopTimer(&s.keepaliveTimer)
	s.stopTimer(&s.connectRetry)
	s.closeConn(&s.current)
	s.closeConn(&s.second)
	s.closeConn(&s.dumped)
	s.outMu.Lock()
	s.outbox = nil
	s.outMu.Unlock()
	s.epoch++
	s.remoteAS = 0
	s.remoteRouterID = netip.Addr{}
	s.negotiatedHold = 0
	s.emit(Output{Peer: s.cfg.Addr(), Kind: KindDown})
	loggo.GetLogger("").Infof("[%s] session down (was %s)", s.GetServiceName(), tr.From)
}

func (s *Session) handleInbound(conn net.Conn) {
	switch s.machine.State() {
	case fsm.StateIdle, fsm.StateConnect, fsm.StateActive:
		if s.current != nil {
			// An outbound attempt may still be in flight; prefer the
			// connection that already exists.
			conn.Close()
			return
		}
		s.adoptConn(conn, true)
		s.handleFSM(fsm.EventConnConfirmed)
	case fsm.StateOpenSent, fsm.StateOpenConfirm:
		if s.second != nil || (s.current != nil && s.current.inbound) {
			conn.Close()
			return
		}
		// Connection collision: run the handshake on both connections until
		// the peer's OPEN reveals its router ID, then resolve.
		s.second = s.trackConn(conn, true)
		s.writeMessageOn(s.second, &packet.Open{
			Version:  packet.Version4,
			AS:       s.local.ASN,
			HoldTime: uint16(s.cfg.HoldTimeDuration() / time.Second),
			RouterID: s.local.RouterIDAddr(),
		})
		loggo.GetLogger("").Infof("[%s] connection collision, awaiting router ID", s.GetServiceName())
	default:
		// Established already; the existing connection wins.
		conn.Close()
	}
}

func (s *Session) handleMessage(connID int, msg packet.Message) {
	if !s.knownConn(connID) {
		return
	}
	s.countReceived()
	loggo.GetLogger("").Tracef("[%s] received %s", s.GetServiceName(), msg)
	switch m := msg.(type) {
	case *packet.Open:
		s.handleOpen(connID, m)
	case *packet.Keepalive:
		if connID != s.current.id {
			return
		}
		s.handleFSM(fsm.EventKeepaliveMsg)
	case *packet.Update:
		if connID != s.current.id {
			return
		}
		s.lastUpdate = m
		s.handleFSM(fsm.EventUpdateMsg)
	case *packet.Notification:
		loggo.GetLogger("").Warningf("[%s] received %s", s.GetServiceName(), m)
		if connID != s.current.id {
			s.closeSecond()
			return
		}
		s.handleFSM(fsm.EventNotifMsg)
	}
}

// handleOpen validates the peer's OPEN, resolves a collision when a second
// connection is pending, and feeds the verdict to the state machine.
func (s *Session) handleOpen(connID int, open *packet.Open) {
	if notif := s.checkOpen(open); notif != nil {
		s.countError()
		if s.second != nil && connID == s.second.id {
			// A bad OPEN on the contested connection does not disturb the
			// handshake running on the first one.
			s.writeMessageOn(s.second, notif)
			s.closeSecond()
			return
		}
		s.pendingNotif = notif
		s.handleFSM(fsm.EventOpenInvalid)
		return
	}
	if s.second != nil {
		// The connection initiated by the speaker with the lower router ID
		// is closed; both ends apply the same rule and keep the same one.
		if open.RouterID.Compare(s.local.RouterIDAddr()) > 0 {
			fromWinner := connID == s.second.id
			s.dumped = s.current
			s.current, s.second = s.second, nil
			s.handleFSM(fsm.EventCollisionDump)
			loggo.GetLogger("").Infof("[%s] collision resolved, kept inbound connection", s.GetServiceName())
			if !fromWinner {
				// The peer's OPEN arrives independently on the survivor.
				return
			}
		} else {
			fromSecond := connID == s.second.id
			s.writeMessageOn(s.second, &packet.Notification{Code: packet.ErrCodeCease})
			s.closeSecond()
			loggo.GetLogger("").Infof("[%s] collision resolved, kept outbound connection", s.GetServiceName())
			if fromSecond {
				return
			}
		}
	}
	s.remoteAS = open.AS
	s.remoteRouterID = open.RouterID
	offered := time.Duration(open.HoldTime) * time.Second
	s.negotiatedHold = s.cfg.HoldTimeDuration()
	if offered < s.negotiatedHold {
		s.negotiatedHold = offered
	}
	loggo.GetLogger("").Infof("[%s] OPEN accepted: AS %d, router ID %s, hold time %s",
		s.GetServiceName(), s.remoteAS, s.remoteRouterID, s.negotiatedHold)
	s.handleFSM(fsm.EventOpenValid)
}

// checkOpen validates the OPEN against the peer configuration. A non-nil
// return is the NOTIFICATION to answer with.
func (s *Session) checkOpen(open *packet.Open) *packet.Notification {
	if open.AS != s.cfg.RemoteAS {
		loggo.GetLogger("").Errorf("[%s] OPEN with AS %d, expected %d", s.GetServiceName(), open.AS, s.cfg.RemoteAS)
		return &packet.Notification{Code: packet.ErrCodeOpenMsg, Subcode: packet.ErrSubBadPeerAS}
	}
	if open.RouterID == s.local.RouterIDAddr() {
		return &packet.Notification{Code: packet.ErrCodeOpenMsg, Subcode: packet.ErrSubBadBGPIdentifier}
	}
	return nil
}

func (s *Session) handleDecodeErr(connID int, err error) {
	if !s.knownConn(connID) {
		return
	}
	s.countError()
	loggo.GetLogger("").Errorf("[%s] decode failure: %s", s.GetServiceName(), err)
	event := fsm.EventHeaderErr
	if codecErr, ok := err.(*packet.CodecError); ok {
		s.pendingNotif = &packet.Notification{Code: codecErr.Code, Subcode: codecErr.Subcode, Data: codecErr.Data}
		if codecErr.Code == packet.ErrCodeUpdateMsg {
			event = fsm.EventUpdateMsgErr
		}
	}
	if s.current != nil && connID != s.current.id {
		s.closeSecond()
		return
	}
	s.handleFSM(event)
}

func (s *Session) handleConnErr(connID int, err error) {
	if !s.knownConn(connID) {
		return
	}
	if s.current != nil && connID != s.current.id {
		s.closeSecond()
		return
	}
	loggo.GetLogger("").Infof("[%s] connection error: %s", s.GetServiceName(), err)
	s.handleFSM(fsm.EventConnFailed)
}

// startDial launches one outbound connect attempt. Passive peers wait for the
// listener instead.
func (s *Session) startDial() {
	if s.cfg.Passive {
		return
	}
	epoch := s.epoch
	target := net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port))
	go func() {
		conn, err := net.DialTimeout("tcp", target, dialTimeout)
		if err != nil {
			loggo.GetLogger("").Debugf("[%s] connect to %s failed: %s", s.GetServiceName(), target, err)
			s.post(sessionEvent{kind: evFSM, epoch: epoch, fsmEvent: fsm.EventDialFailed})
			return
		}
		s.post(sessionEvent{kind: evDialOK, epoch: epoch, conn: conn})
	}()
}

// adoptConn makes conn the session's connection and starts its reader.
func (s *Session) adoptConn(conn net.Conn, inbound bool) {
	s.current = s.trackConn(conn, inbound)
}

func (s *Session) trackConn(conn net.Conn, inbound bool) *connState {
	s.nextConnID++
	cs := &connState{id: s.nextConnID, conn: conn, inbound: inbound}
	go s.readLoop(cs)
	return cs
}

// readLoop reads and frames messages from one connection. Partial reads are
// kept in the buffer until the codec sees a complete message.
func (s *Session) readLoop(cs *connState) {
	buf := make([]byte, 0, 2*packet.MaxMsgLen)
	tmp := make([]byte, packet.MaxMsgLen)
	for {
		n, err := cs.conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				msg, consumed, decodeErr := packet.Next(buf)
				if decodeErr != nil {
					s.post(sessionEvent{kind: evDecodeErr, connID: cs.id, err: decodeErr})
					return
				}
				if consumed == 0 {
					break
				}
				buf = buf[consumed:]
				s.post(sessionEvent{kind: evMessage, connID: cs.id, msg: msg})
			}
		}
		if err != nil {
			s.post(sessionEvent{kind: evConnErr, connID: cs.id, err: err})
			return
		}
	}
}

func (s *Session) post(ev sessionEvent) {
	select {
	case s.events <- ev:
	case <-s.stopped:
	}
}

func (s *Session) emit(out Output) {
	select {
	case s.out <- out:
	case <-s.stopped:
	}
}

func (s *Session) writeMessage(msg packet.Message) {
	if s.current == nil {
		return
	}
	s.writeMessageOn(s.current, msg)
}

func (s *Session) writeMessageOn(cs *connState, msg packet.Message) {
	data, err := packet.Encode(msg)
	if err != nil {
		loggo.GetLogger("").Errorf("[%s] fail to encode %s: %s", s.GetServiceName(), msg, err)
		return
	}
	cs.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := cs.conn.Write(data); err != nil {
		loggo.GetLogger("").Warningf("[%s] fail to send %s: %s", s.GetServiceName(), msg, err)
		return
	}
	loggo.GetLogger("").Tracef("[%s] sent %s", s.GetServiceName(), msg)
	s.countSent()
}

func (s *Session) armConnectRetry() {
	if s.cfg.Passive {
		return
	}
	s.stopTimer(&s.connectRetry)
	epoch := s.epoch
	interval := s.retryInterval
	s.connectRetry = time.AfterFunc(interval, func() {
		s.post(sessionEvent{kind: evFSM, epoch: epoch, fsmEvent: fsm.EventConnectRetryExpired})
	})
	s.retryInterval *= 2
	if s.retryInterval > connectRetryMax {
		s.retryInterval = connectRetryMax
	}
	loggo.GetLogger("").Tracef("[%s] connect retry armed for %s", s.GetServiceName(), interval)
}

func (s *Session) armHold() {
	s.stopTimer(&s.holdTimer)
	if s.negotiatedHold == 0 {
		return
	}
	epoch := s.epoch
	s.holdTimer = time.AfterFunc(s.negotiatedHold, func() {
		s.post(sessionEvent{kind: evFSM, epoch: epoch, fsmEvent: fsm.EventHoldExpired})
	})
}

func (s *Session) armKeepalive() {
	s.stopTimer(&s.keepaliveTimer)
	interval := s.keepaliveInterval()
	if interval == 0 {
		return
	}
	epoch := s.epoch
	s.keepaliveTimer = time.AfterFunc(interval, func() {
		s.post(sessionEvent{kind: evFSM, epoch: epoch, fsmEvent: fsm.EventKeepaliveExpired})
	})
}

// keepaliveInterval is a third of the negotiated hold time.
func (s *Session) keepaliveInterval() time.Duration {
	return s.negotiatedHold / 3
}

func (s *Session) stopTimer(timer **time.Timer) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}

func (s *Session) closeConn(cs **connState) {
	if *cs != nil {
		(*cs).conn.Close()
		*cs = nil
	}
}

func (s *Session) closeSecond() {
	if s.second != nil {
		s.second.conn.Close()
		s.second = nil
	}
}

func (s *Session) knownConn(connID int) bool {
	if s.current != nil && s.current.id == connID {
		return true
	}
	return s.second != nil && s.second.id == connID
}

func (s *Session) updateSnapshot(tr fsm.Transition) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if tr.To != s.snapState {
		s.snapState = tr.To
		s.snapSince = time.Now()
	}
	s.snapHold = s.negotiatedHold
	if s.remoteAS != 0 {
		s.snapRemoteAS = s.remoteAS
	} else {
		s.snapRemoteAS = s.cfg.RemoteAS
	}
}

func (s *Session) countSent() {
	s.mutex.Lock()
	s.msgsSent++
	s.mutex.Unlock()
}

func (s *Session) countReceived() {
	s.mutex.Lock()
	s.msgsReceived++
	s.mutex.Unlock()
}

func (s *Session) countError() {
	s.mutex.Lock()
	s.msgErrors++
	s.mutex.Unlock()
}
