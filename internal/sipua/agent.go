// Package sipua is a SIP user agent that acts as the call provider. It
// registers one account with a registrar, places and receives calls on it
// and exposes each dialog as a call.CallHandle.
package sipua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/flowpbx/flowphone/internal/call"
)

// inviteTimeout bounds an outgoing INVITE transaction.
const inviteTimeout = 60 * time.Second

// Config holds the account and local endpoint settings.
type Config struct {
	// Server and Port address the registrar and outbound proxy.
	Server    string
	Port      int
	Transport string

	Username     string
	AuthUsername string
	Password     string
	Domain       string
	DisplayName  string

	// ListenAddr is the local host:port the agent receives requests on.
	ListenAddr string
	// PublicHost is advertised in Contact; defaults to the listen host.
	PublicHost string

	MediaHost string
	MediaPort int

	// RegisterExpiry is the requested binding lifetime in seconds. Zero
	// disables registration.
	RegisterExpiry int

	// CarrierName labels the account in SIM listings.
	CarrierName string
}

func (c Config) domain() string {
	if c.Domain != "" {
		return c.Domain
	}
	return c.Server
}

func (c Config) authUsername() string {
	if c.AuthUsername != "" {
		return c.AuthUsername
	}
	return c.Username
}

func (c Config) transport() string {
	if c.Transport == "" {
		return "UDP"
	}
	return strings.ToUpper(c.Transport)
}

// Agent is a call.Provider backed by a SIP account.
type Agent struct {
	cfg    Config
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	logger *slog.Logger

	listenPort int

	mu           sync.Mutex
	sink         call.EventSink
	calls        map[string]*Call
	registration RegistrationState
	audio        call.AudioRouteState
	runCtx       context.Context

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an agent. Start must be called before calls can be placed.
func New(cfg Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Server == "" || cfg.Username == "" {
		return nil, fmt.Errorf("sip account requires server and username")
	}
	if cfg.Port == 0 {
		cfg.Port = 5060
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0:5062"
	}

	host, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("parsing listen address %q: %w", cfg.ListenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parsing listen port %q: %w", portStr, err)
	}
	if cfg.PublicHost == "" {
		cfg.PublicHost = host
	}
	if cfg.MediaHost == "" {
		cfg.MediaHost = cfg.PublicHost
	}
	if cfg.MediaPort == 0 {
		cfg.MediaPort = 10000
	}

	logger = logger.With("subsystem", "sipua", "account", cfg.Username)

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("FlowPhone"),
		sipgo.WithUserAgentHostname(cfg.PublicHost),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(logger))
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	status := RegistrationRegistering
	if cfg.RegisterExpiry <= 0 {
		status = RegistrationDisabled
	}

	a := &Agent{
		cfg:          cfg,
		ua:           ua,
		srv:          srv,
		client:       client,
		logger:       logger,
		listenPort:   port,
		calls:        make(map[string]*Call),
		registration: RegistrationState{Status: status},
		audio:        call.DefaultAudioRouteState(),
	}

	srv.OnInvite(a.handleInvite)
	srv.OnAck(a.handleAck)
	srv.OnBye(a.handleBye)
	srv.OnCancel(a.handleCancel)
	srv.OnInfo(a.handleInfo)
	srv.OnOptions(a.handleOptions)
	return a, nil
}

// RegisterSink sets the receiver of call events. It may be set once.
func (a *Agent) RegisterSink(sink call.EventSink) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sink != nil {
		return errors.New("sipua: event sink already registered")
	}
	a.sink = sink
	return nil
}

// Start opens the listener and, if enabled, the registration loop.
func (a *Agent) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		cancel()
		return errors.New("sipua: already started")
	}
	a.cancel = cancel
	a.runCtx = ctx
	a.mu.Unlock()

	network := strings.ToLower(a.cfg.transport())
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("sip listener starting", "network", network, "addr", a.cfg.ListenAddr)
		if err := a.srv.ListenAndServe(ctx, network, a.cfg.ListenAddr); err != nil && ctx.Err() == nil {
			a.logger.Error("sip listener stopped", "error", err)
		}
	}()

	if a.cfg.RegisterExpiry > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.registrationLoop(ctx)
		}()
	}
	return nil
}

// Stop hangs up live calls, un-registers and closes the stack.
func (a *Agent) Stop() {
	a.logger.Info("stopping sip user agent")

	a.mu.Lock()
	calls := make([]*Call, 0, len(a.calls))
	for _, c := range a.calls {
		calls = append(calls, c)
	}
	cancel := a.cancel
	a.mu.Unlock()

	for _, c := range calls {
		ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.Disconnect(ctx); err != nil {
			a.logger.Debug("hangup on stop failed", "call_id", c.ID(), "error", err)
		}
		done()
	}

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	a.client.Close()
	a.srv.Close()
	a.ua.Close()
	a.logger.Info("sip user agent stopped")
}

// Registration returns the current registration state.
func (a *Agent) Registration() RegistrationState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registration
}

// Registered reports whether the account currently holds a binding.
func (a *Agent) Registered() bool {
	return a.Registration().Status == RegistrationRegistered
}

func (a *Agent) setRegistration(fn func(*RegistrationState)) {
	a.mu.Lock()
	fn(&a.registration)
	a.mu.Unlock()
}

// SimAccounts reports the SIP account as the single subscription.
func (a *Agent) SimAccounts(context.Context) ([]call.SimAccount, error) {
	name := a.cfg.CarrierName
	if name == "" {
		name = a.cfg.domain()
	}
	return []call.SimAccount{{
		SlotIndex:      0,
		SubscriptionID: 1,
		CarrierName:    name,
		PhoneNumber:    a.cfg.Username,
		ProviderHandle: a.cfg.Username,
	}}, nil
}

func (a *Agent) contact() *sip.ContactHeader {
	return &sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   a.cfg.Username,
			Host:   a.cfg.PublicHost,
			Port:   a.listenPort,
		},
	}
}

func (a *Agent) running() (context.Context, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runCtx, a.runCtx != nil && a.runCtx.Err() == nil
}

// targetURI converts a tel: URI or bare number into a SIP request URI on
// the account's domain.
func (a *Agent) targetURI(uri string) (string, error) {
	number := strings.TrimSpace(uri)
	switch {
	case strings.HasPrefix(number, "sip:"), strings.HasPrefix(number, "sips:"):
		return number, nil
	case strings.HasPrefix(number, "tel:"):
		number = strings.TrimPrefix(number, "tel:")
	}
	if i := strings.IndexByte(number, ';'); i >= 0 {
		number = number[:i]
	}
	if number == "" {
		return "", errors.New("empty dial target")
	}
	return fmt.Sprintf("sip:%s@%s", number, a.cfg.domain()), nil
}

// Place sends an INVITE for uri and reports the new call as DIALING.
func (a *Agent) Place(_ context.Context, uri string, _ call.PlaceOptions) error {
	runCtx, ok := a.running()
	if !ok {
		return call.ErrProviderOffline
	}
	a.mu.Lock()
	busy := len(a.calls) > 0
	a.mu.Unlock()
	if busy {
		return fmt.Errorf("sipua: call already in progress")
	}

	target, err := a.targetURI(uri)
	if err != nil {
		return err
	}
	var recipient sip.Uri
	if err := sip.ParseUri(target, &recipient); err != nil {
		return fmt.Errorf("parsing dial target %q: %w", target, err)
	}

	callID := uuid.NewString()
	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(a.cfg.transport())
	req.SetDestination(net.JoinHostPort(a.cfg.Server, strconv.Itoa(a.cfg.Port)))

	fromParams := sip.NewParams()
	fromParams.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(&sip.FromHeader{
		DisplayName: a.cfg.DisplayName,
		Address:     sip.Uri{Scheme: "sip", User: a.cfg.Username, Host: a.cfg.domain()},
		Params:      fromParams,
	})
	req.AppendHeader(&sip.ToHeader{Address: recipient, Params: sip.NewParams()})
	callIDHdr := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHdr)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(a.contact())

	body, err := buildSDP(a.cfg.MediaHost, a.cfg.MediaPort, sessionIDFor(callID), 1, dirSendRecv)
	if err != nil {
		return fmt.Errorf("building offer: %w", err)
	}
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	c := newOutgoingCall(a, callID, strings.TrimPrefix(uri, "tel:"), req)
	a.addCall(c)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runOutgoing(runCtx, c, target)
	}()
	return nil
}

// runOutgoing drives an outgoing INVITE transaction to its final response.
func (a *Agent) runOutgoing(ctx context.Context, c *Call, uri string) {
	ctx, cancel := context.WithTimeout(ctx, inviteTimeout)
	defer cancel()

	req := c.inviteRequest()
	tx, err := a.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		a.logger.Error("sending invite failed", "call_id", c.ID(), "error", err)
		a.endCall(c, "invite failed")
		return
	}

	res, err := a.awaitInviteFinal(ctx, c, tx)
	if err == nil && (res.StatusCode == 401 || res.StatusCode == 407) {
		tx.Terminate()
		authReq, aerr := a.authorize(req, res, uri)
		if aerr != nil {
			a.logger.Warn("invite challenge not answered", "call_id", c.ID(), "error", aerr)
			a.endCall(c, "auth failed")
			return
		}
		c.setInviteRequest(authReq)
		tx, err = a.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			a.logger.Error("sending authenticated invite failed", "call_id", c.ID(), "error", err)
			a.endCall(c, "invite failed")
			return
		}
			res, err = a.awaitInviteFinal(ctx, c, tx)
	}
	defer tx.Terminate()

	if err != nil {
		a.logger.Info("outgoing call not established", "call_id", c.ID(), "error", err)
		if ctx.Err() != nil && !c.isEnded() {
			c.sendCancel()
		}
		a.endCall(c, "no answer")
		return
	}

	if res.StatusCode >= 300 {
		a.logger.Info("outgoing call rejected",
			"call_id", c.ID(),
			"status", res.StatusCode,
			"reason", res.Reason,
		)
		a.endCall(c, res.Reason)
		return
	}

	ack := buildACKFor2xx(c.inviteRequest(), res)
	if err := a.client.WriteRequest(ack); err != nil {
		a.logger.Error("sending ack failed", "call_id", c.ID(), "error", err)
	}

	if c.cancelRequested() {
		// Answered after we gave up; hang up the established dialog.
		c.establish(res)
		_ = c.sendBye(ctx)
		a.endCall(c, "cancelled")
		return
	}

	c.establish(res)
	a.logger.Info("outgoing call answered", "call_id", c.ID())
	c.setState(call.RawActive)
}

// awaitInviteFinal waits for the final response to an INVITE.
func (a *Agent) awaitInviteFinal(ctx context.Context, c *Call, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			return nil, fmt.Errorf("invite transaction terminated: %w", tx.Err())
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				a.logger.Debug("provisional response", "call_id", c.ID(), "status", res.StatusCode)
				c.onProvisional(res)
				continue
			}
			return res, nil
		}
	}
}

// buildACKFor2xx builds the end-to-end ACK for a 2xx INVITE response.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// The response To carries the remote tag.
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetDestination(inviteReq.Destination())
	return ack
}

func (a *Agent) addCall(c *Call) {
	a.mu.Lock()
	a.calls[c.ID()] = c
	sink := a.sink
	a.mu.Unlock()

	a.logger.Info("call added", "call_id", c.ID(), "number", c.Number(), "state", c.State())
	if sink != nil {
		sink.OnCallAdded(c)
	}
}

func (a *Agent) lookup(callID string) *Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[callID]
}

// endCall moves c to DISCONNECTED and reports its removal once.
func (a *Agent) endCall(c *Call, reason string) {
	if !c.markEnded() {
		return
	}
	c.setState(call.RawDisconnected)

	a.mu.Lock()
	if a.calls[c.ID()] == c {
		delete(a.calls, c.ID())
	}
	sink := a.sink
	a.mu.Unlock()

	a.logger.Info("call ended", "call_id", c.ID(), "reason", reason)
	if sink != nil {
		sink.OnCallRemoved(c)
	}
}

// SetMuted records the mute flag and echoes the resulting audio state.
func (a *Agent) SetMuted(_ context.Context, muted bool) error {
	a.mu.Lock()
	a.audio.Muted = muted
	ev := a.audioEventLocked()
	sink := a.sink
	a.mu.Unlock()

	if sink != nil {
		sink.OnAudioStateChanged(ev)
	}
	return nil
}

// SetAudioRoute selects an output route from the supported set.
func (a *Agent) SetAudioRoute(_ context.Context, route call.Route) error {
	a.mu.Lock()
	if !a.audio.Available.Has(route) {
		a.mu.Unlock()
		return fmt.Errorf("audio route %s: %w", route, call.ErrUnsupported)
	}
	a.audio.Current = route
	ev := a.audioEventLocked()
	sink := a.sink
	a.mu.Unlock()

	if sink != nil {
		sink.OnAudioStateChanged(ev)
	}
	return nil
}

func (a *Agent) audioEventLocked() call.AudioStateEvent {
	return call.AudioStateEvent{
		Route:           a.audio.Current,
		Muted:           a.audio.Muted,
		SupportedRoutes: a.audio.Available,
	}
}

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

func (a *Agent) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send response", "code", code, "error", err)
	}
}

func (a *Agent) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	if existing := a.lookup(callID); existing != nil {
		existing.handleReInvite(req, tx)
		return
	}

	a.mu.Lock()
	busy := len(a.calls) > 0
	a.mu.Unlock()
	if busy {
		a.logger.Info("rejecting invite, line busy", "call_id", callID)
		a.respond(req, tx, 486, "Busy Here")
		return
	}

	number := ""
	if from := req.From(); from != nil {
		number = from.Address.User
	}

	a.respond(req, tx, 100, "Trying")
	c := newIncomingCall(a, callID, number, req, tx)
	if remote, err := parseRemoteSDP(req.Body()); err == nil {
		c.setRemoteMedia(remote)
	}

	ringing := c.newResponse(180, "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		a.logger.Error("failed to send ringing", "call_id", callID, "error", err)
		return
	}
	a.addCall(c)

	// Hold the transaction until the call is answered, rejected or
	// cancelled.
	select {
	case <-c.settled:
	case <-tx.Done():
		if c.State() == call.RawRinging {
			a.endCall(c, "invite transaction ended")
		}
	}
}

func (a *Agent) handleAck(req *sip.Request, _ sip.ServerTransaction) {
	a.logger.Debug("sip ack received", "call_id", callIDOf(req), "source", req.Source())
}

func (a *Agent) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	c := a.lookup(callID)
	if c == nil {
		a.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	a.respond(req, tx, 200, "OK")
	a.endCall(c, "remote hangup")
}

func (a *Agent) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	c := a.lookup(callID)
	if c == nil {
		a.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	a.respond(req, tx, 200, "OK")
	c.terminatePending()
	a.endCall(c, "cancelled by caller")
}

func (a *Agent) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	if a.lookup(callID) == nil {
		a.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	contentType := ""
	if h := req.ContentType(); h != nil {
		contentType = h.Value()
	}
	info, err := parseInfoDTMF(contentType, req.Body())
	if err != nil {
		a.logger.Debug("ignoring info body", "call_id", callID, "content_type", contentType)
	} else {
		a.logger.Info("remote dtmf", "call_id", callID, "digit", info.Signal, "duration_ms", info.Duration)
	}
	a.respond(req, tx, 200, "OK")
}

func (a *Agent) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to respond to options", "error", err)
	}
}
