package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/flowpbx/flowphone/internal/call"
)

// ContactResolver maps a number to a display name, or "" if unknown.
type ContactResolver interface {
	Resolve(ctx context.Context, number string) string
}

// Contacts is an in-memory number to name directory. Lookups ignore
// formatting characters.
type Contacts struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewContacts creates a directory from number to name pairs.
func NewContacts(entries map[string]string) *Contacts {
	c := &Contacts{entries: make(map[string]string, len(entries))}
	for number, name := range entries {
		c.entries[contactKey(number)] = name
	}
	return c
}

// LoadContacts reads a JSON object of number to name pairs. A missing file
// yields an empty directory.
func LoadContacts(path string) (*Contacts, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewContacts(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading contacts: %w", err)
	}
	var entries map[string]string
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("parsing contacts %s: %w", path, err)
	}
	return NewContacts(entries), nil
}

func contactKey(number string) string {
	var b strings.Builder
	for _, r := range number {
		if (r >= '0' && r <= '9') || r == '+' || r == '*' || r == '#' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (c *Contacts) Resolve(_ context.Context, number string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[contactKey(number)]
}

// Len returns the number of entries.
func (c *Contacts) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Launcher starts a session for every new call the controller reports:
// incoming calls when they ring, outgoing calls when they start dialing.
type Launcher struct {
	ctrl     CallControl
	svc      *Service
	contacts ContactResolver
	logger   *slog.Logger
}

// NewLauncher creates a launcher. contacts may be nil.
func NewLauncher(ctrl CallControl, svc *Service, contacts ContactResolver, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		ctrl:     ctrl,
		svc:      svc,
		contacts: contacts,
		logger:   logger.With("subsystem", "session-launcher"),
	}
}

// Run watches the controller until ctx is done.
func (l *Launcher) Run(ctx context.Context) {
	updates, cancel := l.ctrl.Watch()
	defer cancel()

	var launched string
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			rec := snap.Record
			if rec == nil || rec.ID == launched {
				continue
			}
			incoming := rec.Direction == call.DirectionIncoming && snap.State == call.StateRinging
			outgoing := rec.Direction == call.DirectionOutgoing && snap.State == call.StateDialing
			if !incoming && !outgoing {
				continue
			}
			launched = rec.ID
			l.launch(ctx, rec)
		}
	}
}

func (l *Launcher) launch(ctx context.Context, rec *call.CallRecord) {
	intent := Intent{Direction: rec.Direction, Number: rec.Number}
	if rec.Direction == call.DirectionIncoming {
		intent.RingingSince = rec.StartedAt
	}
	if l.contacts != nil {
		intent.ContactName = l.contacts.Resolve(ctx, rec.Number)
	}
	err := l.svc.Start(intent)
	if errors.Is(err, ErrActive) {
		// The previous call's session has not yet seen its teardown.
		l.logger.Debug("stopping stale session before launch", "record_id", rec.ID)
		l.svc.Stop()
		err = l.svc.Start(intent)
	}
	if err != nil {
		l.logger.Warn("session not started", "record_id", rec.ID, "error", err)
	}
}
