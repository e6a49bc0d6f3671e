package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/chadiek/taxmate/internal/account"
	"github.com/chadiek/taxmate/internal/agent"
	"github.com/chadiek/taxmate/internal/richtext"
	"github.com/chadiek/taxmate/internal/status"
	"github.com/chadiek/taxmate/internal/stt"
	"github.com/chadiek/taxmate/internal/transcript"
	"github.com/chadiek/taxmate/internal/tts"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// The panel may be embedded by any dashboard origin; AUTH_PASSWORD gates access.
		return true
	},
}

const writeTimeout = 10 * time.Second

// clientMessage is a command from the browser. Binary frames carry 16 kHz mic PCM instead.
type clientMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type exchangeView struct {
	ID            string    `json:"id"`
	User          string    `json:"user"`
	Assistant     string    `json:"assistant,omitempty"`
	AssistantHTML string    `json:"assistant_html,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

type userView struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type stateMessage struct {
	Type             string         `json:"type"`
	User             *userView      `json:"user,omitempty"`
	Exchanges        []exchangeView `json:"exchanges"`
	Input            string         `json:"input"`
	AwaitingReply    bool           `json:"awaiting_reply"`
	Listening        bool           `json:"listening"`
	VoiceOutput      bool           `json:"voice_output"`
	CaptureAvailable bool           `json:"capture_available"`
}

type statusMessage struct {
	Type   string        `json:"type"`
	Report status.Report `json:"report"`
}

type shareMessage struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	Mailto string `json:"mailto"`
}

type eventMessage struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

// panelConn serializes writes; gorilla connections allow one concurrent writer.
type panelConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (p *panelConn) writeJSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.ws.WriteJSON(v)
}

func (p *panelConn) writeBinary(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.ws.WriteMessage(websocket.BinaryMessage, b)
}

func (s *Server) handlePanel(c echo.Context) error {
	r := c.Request()
	if !authOK(r, s.opts.AuthPassword) {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	}
	if s.opts.Dispatcher == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "chat dispatcher not configured"})
	}
	ws, err := wsUpgrader.Upgrade(c.Response(), r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("panel upgrade failed")
		return nil
	}
	defer func() { _ = ws.Close() }()
	s.servePanel(ws)
	return nil
}

// panel is one connected browser and the conversation it drives.
type panel struct {
	conn    *panelConn
	session *agent.Session
	status  *status.Monitor
	account *account.Session
	log     zerolog.Logger
}

func (s *Server) servePanel(ws *websocket.Conn) {
	conn := &panelConn{ws: ws}
	log := s.log.With().Str("panel", ulid.Make().String()).Logger()
	log.Info().Msg("panel connected")
	defer func() { log.Info().Msg("panel disconnected") }()

	pacer := newPCMPacer(conn.writeBinary, func(event string) {
		_ = conn.writeJSON(eventMessage{Type: event})
	})
	defer pacer.Close()

	var speaker agent.Speaker = tts.Nop{}
	if s.opts.Streamer != nil {
		speaker = tts.NewSpeaker(s.opts.Streamer, pacer, log)
	}
	var capture PanelCapture = stt.Unavailable{}
	if s.opts.NewCapture != nil {
		capture = s.opts.NewCapture()
	}

	dirty := make(chan struct{}, 1)
	markDirty := func() {
		select {
		case dirty <- struct{}{}:
		default:
		}
	}
	p := &panel{
		conn:    conn,
		status:  s.opts.Status,
		account: s.opts.Account,
		log:     log,
		session: agent.NewSession(s.opts.Dispatcher, capture, speaker,
			agent.WithLogger(log),
			agent.WithVoiceOutput(s.opts.VoiceOutput),
			agent.WithStrict(s.opts.Strict),
			agent.WithOnChange(markDirty),
		),
	}
	defer p.session.Close()

	done := make(chan struct{})
	defer close(done)
	go p.pushStates(dirty, done)
	markDirty()

	if p.status != nil {
		reports, unsubscribe := p.status.Subscribe()
		defer unsubscribe()
		go func() {
			for r := range reports {
				if err := conn.writeJSON(statusMessage{Type: "status", Report: r}); err != nil {
					return
				}
			}
		}()
	}

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug().Err(err).Msg("panel read ended")
			}
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			capture.Feed(data)
		case websocket.TextMessage:
			p.handleCommand(data)
		}
	}
}

// pushStates sends the latest snapshot whenever the session changes. Bursts of
// changes coalesce into one frame carrying the newest state.
func (p *panel) pushStates(dirty <-chan struct{}, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-dirty:
			if err := p.conn.writeJSON(p.state()); err != nil {
				p.log.Debug().Err(err).Msg("state push failed")
				return
			}
		}
	}
}

func (p *panel) state() stateMessage {
	snap := p.session.Snapshot()
	msg := stateMessage{
		Type:             "state",
		Exchanges:        make([]exchangeView, 0, len(snap.Exchanges)),
		Input:            snap.Input,
		AwaitingReply:    snap.AwaitingReply,
		Listening:        snap.Listening,
		VoiceOutput:      snap.VoiceOutput,
		CaptureAvailable: snap.CaptureAvailable,
	}
	if p.account != nil {
		if u, ok := p.account.User(); ok {
			msg.User = &userView{Name: u.Name, Email: u.Email}
		}
	}
	for _, ex := range snap.Exchanges {
		v := exchangeView{
			ID:        ex.ID,
			User:      ex.UserText,
			Assistant: ex.AssistantText,
			Status:    ex.Status.String(),
			CreatedAt: ex.CreatedAt,
		}
		if ex.Status == transcript.StatusAnswered {
			if html, err := richtext.HTML(ex.AssistantText); err == nil {
				v.AssistantHTML = html
			}
		}
		msg.Exchanges = append(msg.Exchanges, v)
	}
	return msg
}

func (p *panel) handleCommand(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		p.sendError("invalid message")
		return
	}
	switch msg.Type {
	case "input":
		p.session.SetInput(msg.Text)
	case "submit":
		var err error
		if msg.Text != "" {
			err = p.session.Submit(msg.Text)
		} else {
			err = p.session.SubmitInput()
		}
		if err != nil && !errors.Is(err, agent.ErrEmptyInput) && !errors.Is(err, agent.ErrRequestInFlight) {
			p.log.Warn().Err(err).Msg("submit failed")
		}
	case "toggle_capture":
		if err := p.session.ToggleCapture(); err != nil {
			p.log.Warn().Err(err).Msg("toggle capture failed")
			p.sendError("voice capture failed")
		}
	case "toggle_voice":
		p.session.ToggleVoiceOutput()
	case "clear":
		p.session.Clear()
	case "share":
		exchanges := p.session.Snapshot().Exchanges
		text, err := transcript.Export(exchanges)
		if err != nil {
			p.sendError(err.Error())
			return
		}
		mailto, _ := transcript.MailtoURL(exchanges)
		_ = p.conn.writeJSON(shareMessage{Type: "share", Text: text, Mailto: mailto})
	case "status_refresh":
		if p.status != nil {
			p.status.Refresh()
		}
	default:
		p.sendError("unknown message type: " + msg.Type)
	}
}

func (p *panel) sendError(text string) {
	_ = p.conn.writeJSON(eventMessage{Type: "error", Error: text})
}
