package sipua

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// RegistrationStatus is the state of the account registration.
type RegistrationStatus string

const (
	RegistrationDisabled    RegistrationStatus = "disabled"
	RegistrationRegistering RegistrationStatus = "registering"
	RegistrationRegistered  RegistrationStatus = "registered"
	RegistrationFailed      RegistrationStatus = "failed"
)

// RegistrationState is a snapshot of the registration lifecycle.
type RegistrationState struct {
	Status       RegistrationStatus `json:"status"`
	LastError    string             `json:"last_error,omitempty"`
	RetryAttempt int                `json:"retry_attempt,omitempty"`
	RegisteredAt *time.Time         `json:"registered_at,omitempty"`
	ExpiresAt    *time.Time         `json:"expires_at,omitempty"`
}

// registrationLoop registers the account and refreshes the binding until
// ctx is done, then sends a best-effort un-register.
func (a *Agent) registrationLoop(ctx context.Context) {
	expiry := a.cfg.RegisterExpiry
	if expiry <= 0 {
		expiry = 300
	}

	a.logger.Info("starting registration",
		"registrar", a.cfg.Server,
		"port", a.cfg.Port,
		"transport", a.cfg.Transport,
		"expiry", expiry,
	)

	b := newBackoff()
	registered := false
	defer func() {
		if !registered {
			return
		}
		unregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := a.sendRegister(unregCtx, 0); err != nil {
			a.logger.Warn("failed to un-register", "error", err)
		}
	}()

	for {
		granted, err := a.sendRegister(ctx, expiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := b.next()
			a.logger.Error("registration failed",
				"error", err,
				"attempt", b.attempt,
				"retry_in", delay.String(),
			)
			a.setRegistration(func(s *RegistrationState) {
				s.Status = RegistrationFailed
				s.LastError = err.Error()
				s.RetryAttempt = b.attempt
			})

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		registered = true
		b.reset()
		now := time.Now()
		expiresAt := now.Add(time.Duration(granted) * time.Second)
		a.setRegistration(func(s *RegistrationState) {
			s.Status = RegistrationRegistered
			s.LastError = ""
			s.RetryAttempt = 0
			s.RegisteredAt = &now
			s.ExpiresAt = &expiresAt
		})
		a.logger.Info("registered", "expires_in", granted)

		// Refresh at 80% of the granted expiry.
		refresh := time.Duration(float64(granted)*0.8) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(refresh):
			a.logger.Debug("refreshing registration")
		}
	}
}

// sendRegister sends a REGISTER, answering one digest challenge. It returns
// the expiry granted by the registrar.
func (a *Agent) sendRegister(ctx context.Context, expiry int) (int, error) {
	recipientStr := fmt.Sprintf("sip:%s:%d", a.cfg.Server, a.cfg.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(a.cfg.Transport))

	aor := fmt.Sprintf("<sip:%s@%s>", a.cfg.Username, a.cfg.domain())
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact", a.contact().Value()))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	res, err := a.requestWithAuth(ctx, req, recipientStr, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, err
	}
	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	granted := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			granted = parsed
		}
	}
	return granted, nil
}

// requestWithAuth sends a non-INVITE request and waits for its final
// response, retrying once with credentials on 401/407.
func (a *Agent) requestWithAuth(ctx context.Context, req *sip.Request, uri string, opt sipgo.ClientRequestOption) (*sip.Response, error) {
	tx, err := a.client.TransactionRequest(ctx, req, opt)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", req.Method, err)
	}
	res, err := getFinalResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return nil, fmt.Errorf("waiting for %s response: %w", req.Method, err)
	}
	if res.StatusCode != 401 && res.StatusCode != 407 {
		return res, nil
	}

	authReq, err := a.authorize(req, res, uri)
	if err != nil {
		return nil, err
	}
	tx2, err := a.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, fmt.Errorf("sending authenticated %s: %w", req.Method, err)
	}
	res, err = getFinalResponse(ctx, tx2)
	tx2.Terminate()
	if err != nil {
		return nil, fmt.Errorf("waiting for authenticated %s response: %w", req.Method, err)
	}
	return res, nil
}

// authorize clones req with credentials answering the challenge in res.
func (a *Agent) authorize(req *sip.Request, res *sip.Response, uri string) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	challenge := res.GetHeader(authHeader)
	if challenge == nil {
		return nil, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(challenge.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      uri,
		Username: a.cfg.authUsername(),
		Password: a.cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// getFinalResponse waits for the first non-provisional response.
func getFinalResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		}
	}
}

// parseContactExpires extracts the expires parameter from a Contact header
// value such as <sip:user@host>;expires=3600. It returns 0 if absent.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]
	if end := strings.IndexAny(rest, ";,> \t"); end > 0 {
		rest = rest[:end]
	}
	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires header value in seconds.
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}

// backoff is exponential backoff with ±20% jitter for registration retries.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
