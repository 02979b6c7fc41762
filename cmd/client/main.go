// Command client is a native reference caller: it captures the microphone,
// runs the full turn-taking stack, and plays synthesized agent audio.
package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/gen2brain/malgo"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chadiek/voicebridge/internal/client"
	"github.com/chadiek/voicebridge/internal/logging"
	"github.com/chadiek/voicebridge/internal/turn"
)

func main() {
	server := flag.String("server", "ws://localhost:8080", "bridge server base URL (ws:// or wss://)")
	audioURL := flag.String("audio-url", "", "greeting audio URL; its basename selects the voice")
	systemPrompt := flag.String("system-prompt", "", "system prompt forwarded to the backend")
	initialSentence := flag.String("initial-sentence", "", "greeting the agent speaks first")
	flag.Parse()

	log := logging.Init()
	defer func() { _ = log.Sync() }()

	sessionID := uuid.NewString()
	callerID := uuid.NewString()

	q := url.Values{}
	if *audioURL != "" {
		q.Set("audioUrl", *audioURL)
	}
	if *systemPrompt != "" {
		q.Set("systemPrompt", *systemPrompt)
	}
	if *initialSentence != "" {
		q.Set("initialSentence", *initialSentence)
	}
	wsURL := fmt.Sprintf("%s/ws/%s/%s/init/sessionstart", *server, sessionID, callerID)
	if enc := q.Encode(); enc != "" {
		wsURL += "?" + enc
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Fatalw("server dial failed", "url", wsURL, "error", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		_ = conn.Close()
		log.Fatalw("audio context init failed", "error", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	spk, err := newSpeaker(mctx.Context)
	if err != nil {
		_ = conn.Close()
		log.Fatalw("speaker init failed", "error", err)
	}
	defer spk.Close()

	sess := client.NewSession(conn, newMic(mctx.Context), spk, client.Config{
		HasGreeting: *initialSentence != "",
	}, client.Events{
		OnTranscription: func(text string) { fmt.Printf("you:   %s\n", text) },
		OnBotResponse:   func(text string) { fmt.Printf("agent: %s\n", text) },
		OnStateChange: func(old, next turn.State) {
			log.Debugw("turn state", "from", old.String(), "to", next.String())
		},
	}, log)

	done := make(chan error, 1)
	go func() { done <- sess.Run() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-done:
		if err != nil {
			log.Warnw("session ended", "error", err)
		}
	case <-sigChan:
		log.Infow("interrupt received, hanging up")
		sess.Close()
		<-done
	}
}
