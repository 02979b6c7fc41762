package client

import (
	"sync"
	"time"

	"github.com/chadiek/voicebridge/internal/audio"
)

// PlaybackDevice is a mono 16 kHz s16le audio sink. malgo-backed
// implementations live in cmd/client; tests use fakes.
type PlaybackDevice interface {
	// Write queues PCM for playback.
	Write(pcm []byte) error
	// Reset discards everything queued but not yet played.
	Reset() error
}

// PlayerEvents are the playback lifecycle notifications. Callbacks run
// without the player lock held.
type PlayerEvents struct {
	// OnStart fires when audio begins after an idle period.
	OnStart func()
	// OnComplete fires when the scheduled timeline drains.
	OnComplete func()
}

// Player schedules inbound PCM chunks onto a wall-clock playback timeline.
// Chunks arrive paced by the server, so the timeline end moves forward by
// each chunk's duration; a single resettable timer fires completion when
// nothing extends it in time.
type Player struct {
	mu  sync.Mutex
	dev PlaybackDevice
	ev  PlayerEvents

	playing  bool
	startAt  time.Time
	deadline time.Time

	timer    *time.Timer
	timerGen uint64
}

func NewPlayer(dev PlaybackDevice, ev PlayerEvents) *Player {
	return &Player{dev: dev, ev: ev}
}

// chunkDuration is the wall-clock length of a PCM chunk at the output rate.
func chunkDuration(pcm []byte) time.Duration {
	samples := len(pcm) / audio.BytesPerSample
	return time.Duration(samples) * time.Second / audio.OutputSampleRate
}

// Enqueue writes one chunk to the device and extends the timeline. Fires
// OnStart when the chunk begins a new playback run.
func (p *Player) Enqueue(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	if err := p.dev.Write(pcm); err != nil {
		return err
	}

	now := time.Now()
	p.mu.Lock()
	started := !p.playing
	if started {
		p.playing = true
		p.startAt = now
		p.deadline = now
	}
	p.deadline = p.deadline.Add(chunkDuration(pcm))
	p.armLocked(p.deadline.Sub(now))
	p.mu.Unlock()

	if started && p.ev.OnStart != nil {
		p.ev.OnStart()
	}
	return nil
}

func (p *Player) armLocked(d time.Duration) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timerGen++
	gen := p.timerGen
	p.timer = time.AfterFunc(d, func() { p.timerFired(gen) })
}

func (p *Player) timerFired(gen uint64) {
	p.mu.Lock()
	if gen != p.timerGen || !p.playing {
		p.mu.Unlock()
		return
	}
	p.playing = false
	p.timer = nil
	p.mu.Unlock()

	if p.ev.OnComplete != nil {
		p.ev.OnComplete()
	}
}

// Playing reports whether the timeline currently has audio scheduled.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// PlayingFor returns how long the current playback run has been going,
// zero when idle. Barge-in detection keys on this.
func (p *Player) PlayingFor() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		return 0
	}
	return time.Since(p.startAt)
}

// Stop cuts playback immediately: flush the device, cancel the completion
// timer, no callbacks. Used on barge-in and teardown.
func (p *Player) Stop() {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.timerGen++
	p.playing = false
	p.mu.Unlock()

	_ = p.dev.Reset()
}
