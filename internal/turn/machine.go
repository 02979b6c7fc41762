// Package turn implements the conversational turn-taking state machine: it
// tracks which party holds the floor, owns the idle and response timers, and
// derives the gate deciding whether captured audio may be transmitted.
package turn

import (
	"sync"
	"time"
)

// State is the current holder of the conversational floor.
type State int

const (
	// AgentSpeaking: synthesized audio is playing; mic audio is examined
	// for barge-in only, never transmitted as speech.
	AgentSpeaking State = iota
	// AgentPreparing: the backend owes a response; the response timer runs.
	AgentPreparing
	// UserReady: the caller holds the floor but has not started speaking;
	// the idle timer runs.
	UserReady
	// UserSpeaking: the caller is mid-utterance.
	UserSpeaking
)

func (s State) String() string {
	switch s {
	case AgentSpeaking:
		return "agent_speaking"
	case AgentPreparing:
		return "agent_preparing"
	case UserReady:
		return "user_ready"
	case UserSpeaking:
		return "user_speaking"
	}
	return "unknown"
}

// Event drives transitions. Timer expirations are internal events delivered
// through the same path.
type Event int

const (
	// SpeechStart: VAD detected start of caller speech.
	SpeechStart Event = iota
	// UtteranceEnd: VAD raised the one-shot utterance-ended edge.
	UtteranceEnd
	// BargeIn: the barge-in detector fired while the agent was speaking.
	BargeIn
	// PlaybackStart: the first synthesized audio began playing.
	PlaybackStart
	// PlaybackDone: agent playback drained completely.
	PlaybackDone
	// ResponsePending: response text arrived before any audio; arms the
	// response timer defensively for backends that send text first.
	ResponsePending

	idleTimeout
	responseTimeout
)

// Config carries the two timeouts. Values are tuned empirically; treat them
// as parameters, not constants.
type Config struct {
	IdleTimeout     time.Duration
	ResponseTimeout time.Duration
}

// DefaultConfig returns the production timeouts: 5s before the agent is
// proactively asked to respond, 10s before a silent backend returns the
// floor to the caller.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:     5 * time.Second,
		ResponseTimeout: 10 * time.Second,
	}
}

// Events lets the host react to transitions. Callbacks run synchronously
// inside the transition (atomically with the state change) and must not call
// back into the machine.
type Events struct {
	// OnTransition fires after every state change.
	OnTransition func(old, new State)
	// OnGate fires whenever the may-speak gate output changes.
	OnGate func(allowed bool)
}

// Machine is the turn-taking core. All methods are safe for concurrent use;
// transitions are atomic and at most one timer is pending at any moment.
//
// The machine starts in AgentSpeaking: when session state is uncertain the
// gate fails closed.
type Machine struct {
	mu  sync.Mutex
	cfg Config
	ev  Events

	state      State
	agentAudio bool
	maySpeak   bool

	timer    *time.Timer
	timerGen uint64
	closed   bool
}

// NewMachine creates a machine in AgentSpeaking with the gate closed. Zero
// timeouts fall back to DefaultConfig.
func NewMachine(cfg Config, ev Events) *Machine {
	def := DefaultConfig()
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = def.ResponseTimeout
	}
	return &Machine{cfg: cfg, ev: ev, state: AgentSpeaking}
}

// allowed is the gate truth table: the caller may transmit speech only while
// holding the floor with no agent audio active. Pure function of its inputs.
func allowed(s State, agentAudio bool) bool {
	return (s == UserReady || s == UserSpeaking) && !agentAudio
}

// Handle applies one event and returns the resulting state. Events invalid
// for the current state are ignored.
func (m *Machine) Handle(ev Event) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return m.state
	}
	m.handleLocked(ev)
	return m.state
}

func (m *Machine) handleLocked(ev Event) {
	switch ev {
	case SpeechStart:
		if m.state == UserReady {
			m.transitionLocked(UserSpeaking)
		}
	case UtteranceEnd:
		if m.state == UserSpeaking {
			m.transitionLocked(AgentPreparing)
		}
	case BargeIn:
		if m.state == AgentSpeaking {
			m.agentAudio = false
			m.transitionLocked(UserSpeaking)
		}
	case PlaybackStart:
		// agentAudio is tracked even when already in AgentSpeaking (the
		// greeting path starts there before any audio arrives)
		m.agentAudio = true
		if m.state != AgentSpeaking {
			m.transitionLocked(AgentSpeaking)
		}
	case PlaybackDone:
		if m.state == AgentSpeaking {
			m.agentAudio = false
			m.transitionLocked(UserReady)
		}
	case ResponsePending:
		// Always (re)arms the response timer, even if already preparing.
		m.transitionLocked(AgentPreparing)
	case idleTimeout:
		if m.state == UserReady {
			m.transitionLocked(AgentPreparing)
		}
	case responseTimeout:
		if m.state == AgentPreparing {
			m.transitionLocked(UserReady)
		}
	}
}

// transitionLocked performs the three-step transition contract: cancel the
// previous timer, arm the timer for the new state, recompute the gate — all
// under one lock so stale gating never persists.
func (m *Machine) transitionLocked(next State) {
	old := m.state
	m.cancelTimerLocked()
	m.state = next

	switch next {
	case UserReady:
		m.armLocked(m.cfg.IdleTimeout, idleTimeout)
	case AgentPreparing:
		m.armLocked(m.cfg.ResponseTimeout, responseTimeout)
	}

	m.syncGateLocked()
	if m.ev.OnTransition != nil {
		m.ev.OnTransition(old, next)
	}
}

func (m *Machine) syncGateLocked() {
	next := allowed(m.state, m.agentAudio)
	if next == m.maySpeak {
		return
	}
	m.maySpeak = next
	if m.ev.OnGate != nil {
		m.ev.OnGate(next)
	}
}

// armLocked schedules ev after d. The generation counter invalidates fires
// from timers that were cancelled after the callback was already queued.
func (m *Machine) armLocked(d time.Duration, ev Event) {
	m.timerGen++
	gen := m.timerGen
	m.timer = time.AfterFunc(d, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed || gen != m.timerGen {
			return
		}
		m.timer = nil
		m.handleLocked(ev)
	})
}

func (m *Machine) cancelTimerLocked() {
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// MaySpeak reports whether captured audio may currently be transmitted.
func (m *Machine) MaySpeak() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maySpeak
}

// AgentAudioActive reports whether synthesized audio is currently playing.
func (m *Machine) AgentAudioActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agentAudio
}

// TimerPending reports whether a timer is armed. Exposed for tests asserting
// the at-most-one-timer discipline.
func (m *Machine) TimerPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

// Close cancels any pending timer and freezes the machine. Idempotent.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.cancelTimerLocked()
}
