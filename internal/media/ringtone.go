package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNoTone is returned by Start when the player has nothing to play.
var ErrNoTone = errors.New("media: no ringtone loaded")

// LoopPlayer plays a Tone repeatedly to an audio sink in 20ms frames until
// stopped. Pausing keeps the position and the sink; frames are simply not
// written while paused.
type LoopPlayer struct {
	tone   *Tone
	out    io.Writer
	logger *slog.Logger
	frame  time.Duration

	mu      sync.Mutex
	running bool
	paused  bool
	cancel  context.CancelFunc
	done    chan struct{}

	frames atomic.Uint64
}

// NewLoopPlayer creates a player for tone writing to out. A nil out discards
// audio.
func NewLoopPlayer(tone *Tone, out io.Writer, logger *slog.Logger) *LoopPlayer {
	if out == nil {
		out = io.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LoopPlayer{
		tone:   tone,
		out:    out,
		logger: logger.With("subsystem", "ringtone"),
		frame:  frameDuration,
	}
}

// Start begins looping playback. Starting a running player is a no-op.
func (p *LoopPlayer) Start() error {
	if p.tone == nil || len(p.tone.PCM) == 0 {
		return ErrNoTone
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.paused = false
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx, p.done)

	p.logger.Debug("ringtone started", "tone_duration", p.tone.Duration())
	return nil
}

// Pause silences playback without releasing the player.
func (p *LoopPlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running && !p.paused {
		p.paused = true
		p.logger.Debug("ringtone paused")
	}
}

// Resume continues a paused player.
func (p *LoopPlayer) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running && p.paused {
		p.paused = false
		p.logger.Debug("ringtone resumed")
	}
}

// Stop ends playback and waits for the playback goroutine to exit. It is
// safe to call on a stopped player.
func (p *LoopPlayer) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
	p.logger.Debug("ringtone stopped", "frames", p.frames.Load())
}

// Playing reports whether the player is running and not paused.
func (p *LoopPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running && !p.paused
}

// Frames returns the number of frames written since creation.
func (p *LoopPlayer) Frames() uint64 {
	return p.frames.Load()
}

func (p *LoopPlayer) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *LoopPlayer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.frame)
	defer ticker.Stop()

	pcm := p.tone.PCM
	buf := make([]byte, frameBytes)
	pos := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if p.isPaused() {
			continue
		}

		// Fill one frame, wrapping to the start of the tone.
		for n := 0; n < frameBytes; {
			c := copy(buf[n:], pcm[pos:])
			n += c
			pos += c
			if pos >= len(pcm) {
				pos = 0
			}
		}

		if _, err := p.out.Write(buf); err != nil {
			p.logger.Warn("ringtone sink write failed, stopping playback", "error", fmt.Errorf("writing frame: %w", err))
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()
			return
		}
		p.frames.Add(1)
	}
}
