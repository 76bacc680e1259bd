package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Waveform is a vibration pattern. Timings alternate off and on durations,
// starting with off. Repeat is the index to loop back to after the last
// timing, or -1 to play once.
type Waveform struct {
	Timings []time.Duration
	Repeat  int
}

// DefaultRingWaveform is the incoming-call pattern: immediately on for one
// second, off half a second, on one second, off half a second, repeating.
func DefaultRingWaveform() Waveform {
	return Waveform{
		Timings: []time.Duration{
			0,
			1000 * time.Millisecond,
			500 * time.Millisecond,
			1000 * time.Millisecond,
			500 * time.Millisecond,
		},
		Repeat: 0,
	}
}

func (w Waveform) validate() error {
	if len(w.Timings) == 0 {
		return errors.New("waveform has no timings")
	}
	if w.Repeat < -1 || w.Repeat >= len(w.Timings) {
		return fmt.Errorf("waveform repeat index %d out of range", w.Repeat)
	}
	for _, d := range w.Timings {
		if d < 0 {
			return errors.New("waveform timing is negative")
		}
	}
	if w.Repeat >= 0 {
		var loop time.Duration
		for _, d := range w.Timings[w.Repeat:] {
			loop += d
		}
		if loop == 0 {
			return errors.New("repeating waveform has zero length")
		}
	}
	return nil
}

// Motor drives the physical vibration actuator.
type Motor interface {
	Set(on bool) error
}

// FileMotor drives a motor through a sysfs-style control file that accepts
// "1" and "0".
type FileMotor struct {
	Path string
}

func (m FileMotor) Set(on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	if err := os.WriteFile(m.Path, []byte(v), 0o644); err != nil {
		return fmt.Errorf("writing vibrator control: %w", err)
	}
	return nil
}

// NopMotor is a motor for hosts without one.
type NopMotor struct{}

func (NopMotor) Set(bool) error { return nil }

// PatternVibrator plays waveforms on a Motor.
type PatternVibrator struct {
	motor  Motor
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPatternVibrator creates a vibrator for motor.
func NewPatternVibrator(motor Motor, logger *slog.Logger) *PatternVibrator {
	if motor == nil {
		motor = NopMotor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PatternVibrator{
		motor:  motor,
		logger: logger.With("subsystem", "vibrator"),
	}
}

// Vibrate starts w, replacing any pattern already playing.
func (v *PatternVibrator) Vibrate(w Waveform) error {
	if err := w.validate(); err != nil {
		return err
	}
	v.Cancel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	v.mu.Lock()
	v.cancel = cancel
	v.done = done
	v.mu.Unlock()

	go v.run(ctx, w, done)
	return nil
}

// Cancel stops the current pattern and turns the motor off. It is safe to
// call when nothing is playing.
func (v *PatternVibrator) Cancel() {
	v.mu.Lock()
	cancel, done := v.cancel, v.done
	v.cancel, v.done = nil, nil
	v.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Active reports whether a pattern is playing.
func (v *PatternVibrator) Active() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cancel != nil
}

func (v *PatternVibrator) run(ctx context.Context, w Waveform, done chan struct{}) {
	defer close(done)
	defer func() {
		if err := v.motor.Set(false); err != nil {
			v.logger.Warn("turning motor off failed", "error", err)
		}
	}()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	i := 0
	for {
		on := i%2 == 1
		d := w.Timings[i]
		if d > 0 {
			if err := v.motor.Set(on); err != nil {
				v.logger.Warn("vibrator motor failed, stopping pattern", "error", err)
				return
			}
			timer.Reset(d)
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}

		i++
		if i == len(w.Timings) {
			if w.Repeat < 0 {
				return
			}
			i = w.Repeat
		}
	}
}
