package sipua

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/flowphone/internal/call"
)

var errWrongState = errors.New("sipua: operation not valid in current call state")

// Call is one SIP dialog exposed as a call.CallHandle.
type Call struct {
	agent    *Agent
	id       string
	number   string
	outgoing bool

	// settled is closed once a pending incoming INVITE has a final
	// response.
	settled    chan struct{}
	settleOnce sync.Once

	// notifyMu serializes listener delivery.
	notifyMu sync.Mutex

	mu         sync.Mutex
	state      call.RawState
	invite     *sip.Request
	serverTx   sip.ServerTransaction
	localTag   string
	remoteTag  string
	remote     sip.Uri
	media      remoteMedia
	cseq       uint32
	sdpVersion uint64
	localHold  bool
	cancelling bool
	ended      bool
	listeners  map[int]func(call.RawState)
	nextListen int
}

func newOutgoingCall(a *Agent, callID, number string, invite *sip.Request) *Call {
	c := &Call{
		agent:      a,
		id:         callID,
		number:     number,
		outgoing:   true,
		settled:    make(chan struct{}),
		state:      call.RawDialing,
		invite:     invite,
		remote:     invite.Recipient,
		cseq:       1,
		sdpVersion: 1,
		listeners:  make(map[int]func(call.RawState)),
	}
	if from := invite.From(); from != nil {
		c.localTag, _ = from.Params.Get("tag")
	}
	c.settle()
	return c
}

func newIncomingCall(a *Agent, callID, number string, invite *sip.Request, tx sip.ServerTransaction) *Call {
	c := &Call{
		agent:      a,
		id:         callID,
		number:     number,
		settled:    make(chan struct{}),
		state:      call.RawRinging,
		invite:     invite,
		serverTx:   tx,
		localTag:   sip.GenerateTagN(16),
		cseq:       1,
		sdpVersion: 1,
		listeners:  make(map[int]func(call.RawState)),
	}
	if from := invite.From(); from != nil {
		c.remoteTag, _ = from.Params.Get("tag")
		c.remote = from.Address
	}
	if contact := invite.Contact(); contact != nil {
		c.remote = contact.Address
	}
	return c
}

func (c *Call) ID() string     { return c.id }
func (c *Call) Number() string { return c.number }

func (c *Call) State() call.RawState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Call) Capabilities() call.Capability {
	return call.CapHold | call.CapDTMF | call.CapRejectWithMessage
}

type subscription struct {
	c    *Call
	id   int
	once sync.Once
}

func (s *subscription) Release() {
	s.once.Do(func() {
		s.c.mu.Lock()
		delete(s.c.listeners, s.id)
		s.c.mu.Unlock()
	})
}

// Subscribe registers fn for state changes. Notifications are serialized
// and arrive in the order the states were set.
func (c *Call) Subscribe(fn func(call.RawState)) call.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListen
	c.nextListen++
	c.listeners[id] = fn
	return &subscription{c: c, id: id}
}

func (c *Call) setState(s call.RawState) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fns := make([]func(call.RawState), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

func (c *Call) settle() {
	c.settleOnce.Do(func() { close(c.settled) })
}

func (c *Call) markEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return false
	}
	c.ended = true
	return true
}

func (c *Call) isEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *Call) cancelRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelling
}

func (c *Call) inviteRequest() *sip.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invite
}

func (c *Call) setInviteRequest(req *sip.Request) {
	c.mu.Lock()
	c.invite = req
	if cseq := req.CSeq(); cseq != nil && cseq.SeqNo > c.cseq {
		c.cseq = cseq.SeqNo
	}
	c.mu.Unlock()
}

func (c *Call) setRemoteMedia(m remoteMedia) {
	c.mu.Lock()
	c.media = m
	c.mu.Unlock()
}

func (c *Call) onProvisional(res *sip.Response) {
	if len(res.Body()) == 0 {
		return
	}
	if m, err := parseRemoteSDP(res.Body()); err == nil {
		c.setRemoteMedia(m)
	}
}

// establish records the dialog parameters from a 2xx to our INVITE.
func (c *Call) establish(res *sip.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if to := res.To(); to != nil {
		c.remoteTag, _ = to.Params.Get("tag")
	}
	if contact := res.Contact(); contact != nil {
		c.remote = contact.Address
	}
	if m, err := parseRemoteSDP(res.Body()); err == nil {
		c.media = m
	}
}

// newResponse builds a response to the pending incoming INVITE carrying
// our To tag.
func (c *Call) newResponse(code int, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(c.invite, code, reason, body)
	if to := res.To(); to != nil {
		to.Params.Add("tag", c.localTag)
	}
	if code >= 200 && code < 300 {
		res.AppendHeader(c.agent.contact())
	}
	if len(body) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	return res
}

func (c *Call) localSDP(direction string) ([]byte, error) {
	c.mu.Lock()
	version := c.sdpVersion
	c.sdpVersion++
	c.mu.Unlock()
	cfg := c.agent.cfg
	return buildSDP(cfg.MediaHost, cfg.MediaPort, sessionIDFor(c.id), version, direction)
}

// Answer accepts a ringing incoming call.
func (c *Call) Answer(context.Context) error {
	c.mu.Lock()
	if c.outgoing || c.state != call.RawRinging {
		c.mu.Unlock()
		return errWrongState
	}
	tx := c.serverTx
	offer := c.media.Direction
	c.mu.Unlock()

	body, err := c.localSDP(answerDirection(offer))
	if err != nil {
		return err
	}
	if err := tx.Respond(c.newResponse(200, "OK", body)); err != nil {
		return fmt.Errorf("sending 200 ok: %w", err)
	}
	c.settle()
	c.agent.logger.Info("call answered", "call_id", c.id)
	c.setState(call.RawActive)
	return nil
}

// Reject declines a ringing incoming call: 603 with a Reason when a message
// is given, otherwise 486.
func (c *Call) Reject(_ context.Context, withMessage bool, text string) error {
	c.mu.Lock()
	if c.outgoing || c.state != call.RawRinging {
		c.mu.Unlock()
		return errWrongState
	}
	tx := c.serverTx
	c.mu.Unlock()

	var res *sip.Response
	if withMessage {
		res = c.newResponse(603, "Decline", nil)
		if text != "" {
			res.AppendHeader(sip.NewHeader("Reason", "SIP;cause=603;text="+strconv.Quote(text)))
		}
	} else {
		res = c.newResponse(486, "Busy Here", nil)
	}
	err := tx.Respond(res)
	c.settle()
	c.agent.endCall(c, "rejected")
	if err != nil {
		return fmt.Errorf("sending reject: %w", err)
	}
	return nil
}

// Disconnect ends the call in whatever phase it is in.
func (c *Call) Disconnect(ctx context.Context) error {
	switch c.State() {
	case call.RawRinging:
		return c.Reject(ctx, false, "")
	case call.RawDialing:
		c.sendCancel()
		c.agent.endCall(c, "cancelled")
		return nil
	case call.RawActive, call.RawHolding:
		err := c.sendBye(ctx)
		c.agent.endCall(c, "local hangup")
		return err
	default:
		return nil
	}
}

// terminatePending answers a cancelled INVITE with 487.
func (c *Call) terminatePending() {
	c.mu.Lock()
	tx := c.serverTx
	pending := !c.outgoing && c.state == call.RawRinging
	c.mu.Unlock()
	if !pending || tx == nil {
		return
	}
	if err := tx.Respond(c.newResponse(487, "Request Terminated", nil)); err != nil {
		c.agent.logger.Debug("failed to send 487", "call_id", c.id, "error", err)
	}
	c.settle()
}

// sendCancel cancels our pending INVITE. The INVITE transaction then
// completes with 487.
func (c *Call) sendCancel() {
	c.mu.Lock()
	if c.cancelling {
		c.mu.Unlock()
		return
	}
	c.cancelling = true
	inv := c.invite
	c.mu.Unlock()

	req := sip.NewRequest(sip.CANCEL, inv.Recipient)
	req.SetTransport(inv.Transport())
	req.SetDestination(inv.Destination())
	if via := inv.Via(); via != nil {
		req.AppendHeader(sip.HeaderClone(via))
	}
	if h := inv.From(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := inv.To(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := inv.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := inv.CSeq(); cseq != nil {
		req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	tx, err := c.agent.client.TransactionRequest(context.Background(), req, sipgo.ClientRequestBuild)
	if err != nil {
		c.agent.logger.Debug("failed to send cancel", "call_id", c.id, "error", err)
		return
	}
	tx.Terminate()
}

// newInDialogRequest builds a request inside the established dialog. The
// From/To orientation follows which side created the dialog.
func (c *Call) newInDialogRequest(method sip.RequestMethod) *sip.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cseq++
	req := sip.NewRequest(method, *c.remote.Clone())
	req.SetTransport(c.agent.cfg.transport())

	inv := c.invite
	local, remote := inv.From(), inv.To()
	if !c.outgoing {
		local, remote = nil, nil
		if to := inv.To(); to != nil {
			local = &sip.FromHeader{Address: to.Address, Params: sip.NewParams()}
		}
		if from := inv.From(); from != nil {
			remote = &sip.ToHeader{DisplayName: from.DisplayName, Address: from.Address, Params: sip.NewParams()}
		}
	}
	if local != nil {
		fromParams := sip.NewParams()
		fromParams.Add("tag", c.localTag)
		req.AppendHeader(&sip.FromHeader{DisplayName: local.DisplayName, Address: local.Address, Params: fromParams})
	}
	if remote != nil {
		toParams := sip.NewParams()
		if c.remoteTag != "" {
			toParams.Add("tag", c.remoteTag)
		}
		req.AppendHeader(&sip.ToHeader{DisplayName: remote.DisplayName, Address: remote.Address, Params: toParams})
	}
	if h := inv.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.cseq, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(c.agent.contact())
	return req
}

func (c *Call) sendBye(ctx context.Context) error {
	req := c.newInDialogRequest(sip.BYE)
	res, err := c.agent.requestWithAuth(ctx, req, req.Recipient.String(), sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	if res.StatusCode >= 300 {
		c.agent.logger.Warn("bye answered with error", "call_id", c.id, "status", res.StatusCode)
	}
	return nil
}

// Hold re-offers the session as sendonly.
func (c *Call) Hold(ctx context.Context) error {
	if c.State() != call.RawActive {
		return errWrongState
	}
	if err := c.reinvite(ctx, dirSendOnly); err != nil {
		return err
	}
	c.mu.Lock()
	c.localHold = true
	c.mu.Unlock()
	c.setState(call.RawHolding)
	return nil
}

// Unhold restores a sendrecv session.
func (c *Call) Unhold(ctx context.Context) error {
	if c.State() != call.RawHolding {
		return errWrongState
	}
	if err := c.reinvite(ctx, dirSendRecv); err != nil {
		return err
	}
	c.mu.Lock()
	c.localHold = false
	c.mu.Unlock()
	c.setState(call.RawActive)
	return nil
}

func (c *Call) reinvite(ctx context.Context, direction string) error {
	body, err := c.localSDP(direction)
	if err != nil {
		return err
	}
	req := c.newInDialogRequest(sip.INVITE)
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	tx, err := c.agent.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending re-invite: %w", err)
	}
	defer tx.Terminate()

	res, err := getFinalResponse(ctx, tx)
	if err != nil {
		return fmt.Errorf("waiting for re-invite response: %w", err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("re-invite failed with status %d %s", res.StatusCode, res.Reason)
	}
	if err := c.agent.client.WriteRequest(buildACKFor2xx(req, res)); err != nil {
		c.agent.logger.Warn("sending re-invite ack failed", "call_id", c.id, "error", err)
	}
	if m, err := parseRemoteSDP(res.Body()); err == nil {
		c.setRemoteMedia(m)
	}
	return nil
}

// handleReInvite answers a peer's session refresh or hold.
func (c *Call) handleReInvite(req *sip.Request, tx sip.ServerTransaction) {
	remote, err := parseRemoteSDP(req.Body())
	if err != nil {
		// Offerless re-INVITE: answer with our current direction.
		remote = remoteMedia{Direction: dirSendRecv}
	} else {
		c.setRemoteMedia(remote)
	}

	c.mu.Lock()
	localHold := c.localHold
	state := c.state
	c.mu.Unlock()

	direction := answerDirection(remote.Direction)
	if localHold {
		direction = dirSendOnly
	}
	body, err := c.localSDP(direction)
	if err != nil {
		c.agent.respond(req, tx, 500, "Server Internal Error")
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", body)
	res.AppendHeader(c.agent.contact())
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(res); err != nil {
		c.agent.logger.Error("failed to answer re-invite", "call_id", c.id, "error", err)
		return
	}

	switch {
	case heldBy(remote.Direction) && state == call.RawActive:
		c.agent.logger.Info("call held by peer", "call_id", c.id)
		c.setState(call.RawHolding)
	case !heldBy(remote.Direction) && state == call.RawHolding && !localHold:
		c.agent.logger.Info("call resumed by peer", "call_id", c.id)
		c.setState(call.RawActive)
	}
}

// PlayDtmf sends digit as a SIP INFO event.
func (c *Call) PlayDtmf(ctx context.Context, digit rune) error {
	switch c.State() {
	case call.RawActive, call.RawHolding:
	default:
		return errWrongState
	}
	body, err := formatDTMFRelay(digit, dtmfDurationMs)
	if err != nil {
		return err
	}
	req := c.newInDialogRequest(sip.INFO)
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", contentTypeDTMFRelay))

	res, err := c.agent.requestWithAuth(ctx, req, req.Recipient.String(), sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending dtmf: %w", err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("dtmf info failed with status %d %s", res.StatusCode, strings.TrimSpace(res.Reason))
	}
	return nil
}
