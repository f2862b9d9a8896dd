package audio

import (
	"fmt"
	"sync"
	"time"
)

// Nominal MP3 bitrate used to estimate a payload's duration.
const simulatedBytesPerSecond = 16000

// Simulated is an Output that keeps time instead of producing sound. It is
// the default output for headless runs and the fixture for player tests.
type Simulated struct {
	mu       sync.Mutex
	events   chan Event
	loaded   bool
	paused   bool
	duration time.Duration
	offset   time.Duration
	started  time.Time
	volume   float64
	rate     float64
	timer    *time.Timer
	timerGen int
	playErr  error
	now      func() time.Time
	autoEnd  bool
	closed   bool
}

// SimulatedOption configures a Simulated output.
type SimulatedOption func(*Simulated)

// WithoutAutoEnd disables the end-of-media timer; tests call Finish instead.
func WithoutAutoEnd() SimulatedOption {
	return func(s *Simulated) { s.autoEnd = false }
}

func NewSimulated(opts ...SimulatedOption) *Simulated {
	s := &Simulated{
		events:  make(chan Event, 64),
		paused:  true,
		volume:  1,
		rate:    1,
		now:     time.Now,
		autoEnd: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Simulated) Load(_ string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasPlaying := s.loaded && !s.paused
	s.stopTimerLocked()
	s.loaded = true
	s.paused = true
	s.offset = 0
	s.duration = time.Duration(len(data)) * time.Second / simulatedBytesPerSecond
	if wasPlaying {
		s.emitLocked(EventPause)
	}
	return nil
}

func (s *Simulated) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return ErrNoSource
	}
	if s.playErr != nil {
		err := s.playErr
		s.playErr = nil
		return fmt.Errorf("%w: %v", ErrPlaybackFailed, err)
	}
	if !s.paused {
		return nil
	}
	if s.duration > 0 && s.offset >= s.duration {
		s.offset = 0
	}
	s.paused = false
	s.started = s.now()
	s.armTimerLocked()
	s.emitLocked(EventPlay)
	return nil
}

func (s *Simulated) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	s.offset = s.positionLocked()
	s.paused = true
	s.stopTimerLocked()
	s.emitLocked(EventPause)
}

func (s *Simulated) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Simulated) Seek(position time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if position < 0 {
		position = 0
	}
	s.offset = position
	if !s.paused {
		s.started = s.now()
		s.stopTimerLocked()
		s.armTimerLocked()
	}
}

func (s *Simulated) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked()
}

func (s *Simulated) SetVolume(volume float64) {
	s.mu.Lock()
	s.volume = volume
	s.mu.Unlock()
}

func (s *Simulated) SetRate(rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rate <= 0 {
		return
	}
	if !s.paused {
		s.offset = s.positionLocked()
		s.started = s.now()
	}
	s.rate = rate
	if !s.paused {
		s.stopTimerLocked()
		s.armTimerLocked()
	}
}

// Volume and Rate expose the applied values for inspection.
func (s *Simulated) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

func (s *Simulated) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// FailNextPlay makes the next Play call fail with err.
func (s *Simulated) FailNextPlay(err error) {
	s.mu.Lock()
	s.playErr = err
	s.mu.Unlock()
}

// EmitPause injects a native pause event without changing the paused flag,
// reproducing the spurious pause a media element fires on a source switch.
func (s *Simulated) EmitPause() {
	s.mu.Lock()
	s.emitLocked(EventPause)
	s.mu.Unlock()
}

// Finish plays the current source to its end.
func (s *Simulated) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked()
}

func (s *Simulated) Events() <-chan Event {
	return s.events
}

func (s *Simulated) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.stopTimerLocked()
	s.closed = true
	close(s.events)
	return nil
}

func (s *Simulated) finishLocked() {
	if !s.loaded || s.paused {
		return
	}
	s.stopTimerLocked()
	s.offset = s.duration
	s.paused = true
	s.emitLocked(EventEnded)
}

func (s *Simulated) positionLocked() time.Duration {
	if s.paused {
		return s.offset
	}
	elapsed := time.Duration(float64(s.now().Sub(s.started)) * s.rate)
	pos := s.offset + elapsed
	if s.duration > 0 && pos > s.duration {
		return s.duration
	}
	return pos
}

func (s *Simulated) armTimerLocked() {
	if !s.autoEnd || s.duration <= 0 {
		return
	}
	remaining := time.Duration(float64(s.duration-s.offset) / s.rate)
	if remaining < 0 {
		remaining = 0
	}
	gen := s.timerGen
	s.timer = time.AfterFunc(remaining, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.timerGen {
			return
		}
		s.finishLocked()
	})
}

func (s *Simulated) stopTimerLocked() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Simulated) emitLocked(kind EventKind) {
	if s.closed {
		return
	}
	select {
	case s.events <- Event{Kind: kind, At: s.now()}:
	default:
	}
}
