package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/TheSigmaSociety/DisasterDesk/internal/session"
	"github.com/TheSigmaSociety/DisasterDesk/internal/speech"
	"github.com/TheSigmaSociety/DisasterDesk/internal/transcript"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20
	outboxSize   = 256
)

var errConnClosed = errors.New("connection closed")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) registerWSRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/dispatch", s.handleDispatch)
	mux.HandleFunc("GET /ws/call", s.handleCall)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade error")
		return
	}
	defer func() { _ = conn.Close() }()

	ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(ch)

	connectionEvent := ConnectionEvent{
		Event:     newEvent("connection", "", time.Now().UTC()),
		Connected: true,
	}
	payload, err := json.Marshal(connectionEvent)
	if err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}

	// dashboards never send; a read error means the peer went away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// callMessage is a caller client frame.
type callMessage struct {
	Type      string   `json:"type"`
	IsFinal   bool     `json:"is_final"`
	Text      string   `json:"text"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Error     string   `json:"error"`
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade error")
		return
	}
	conn.SetReadLimit(maxFrameSize)

	cc := newCallConn(conn, s.log)
	go cc.writeLoop()
	defer cc.shutdown()

	seq := speech.NewSequencer(s.synth, cc, speech.WithMetrics(s.metrics), speech.WithLogger(s.log))
	call, err := s.calls.Start(session.Observers(s.hub, cc), seq)
	if err != nil {
		seq.Close()
		s.log.Error().Err(err).Msg("start call failed")
		cc.sendEvent(ErrorEvent{Event: newEvent("error", "", time.Time{}), Message: "call could not be started"})
		return
	}
	log := s.log.With().Str("sessionId", call.ID()).Logger()

	var audio AudioStream
	audioFailed := false
	defer func() {
		if audio != nil {
			audio.Close()
		}
		if err := call.End(); err != nil && !errors.Is(err, session.ErrInvalidSessionState) {
			log.Warn().Err(err).Msg("end call failed")
		}
	}()

	if err := call.Greet(); err != nil {
		return
	}

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("caller connection closed")
			}
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			if audio == nil && !audioFailed {
				audio, err = s.openRecognizer(r, call)
				if err != nil {
					audioFailed = true
					log.Warn().Err(err).Msg("server-side recognition unavailable")
					_ = call.RecognizerFault(session.FaultServiceNotAllowed)
				}
			}
			if audio != nil {
				if _, err := audio.Write(data); err != nil {
					log.Debug().Err(err).Msg("recognizer write failed")
				}
			}
		case websocket.TextMessage:
			if stop := s.handleCallMessage(call, cc, data); stop {
				return
			}
		}
	}
}

func (s *Server) openRecognizer(r *http.Request, call *session.Call) (AudioStream, error) {
	if s.recognize == nil {
		return nil, errors.New("no recognizer configured")
	}
	return s.recognize(r.Context(), call)
}

// handleCallMessage applies one caller JSON frame and reports whether the
// connection should close.
func (s *Server) handleCallMessage(call *session.Call, cc *callConn, data []byte) bool {
	var msg callMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		cc.sendError(call.ID(), "malformed message")
		return false
	}

	var err error
	switch msg.Type {
	case "fragment":
		err = call.Fragment(transcript.Fragment{IsFinal: msg.IsFinal, Text: msg.Text})
	case "text":
		err = call.SubmitText(msg.Text)
	case "location":
		if msg.Latitude == nil || msg.Longitude == nil {
			cc.sendError(call.ID(), "location requires latitude and longitude")
			return false
		}
		err = call.SetLocationHint(*msg.Latitude, *msg.Longitude)
	case "recognizer_error":
		err = call.RecognizerFault(msg.Error)
	case "end":
		if err := call.End(); err != nil && !errors.Is(err, session.ErrInvalidSessionState) {
			s.log.Warn().Err(err).Str("sessionId", call.ID()).Msg("end call failed")
		}
		return true
	default:
		cc.sendError(call.ID(), "unknown message type "+msg.Type)
		return false
	}

	switch {
	case err == nil:
		return false
	case errors.Is(err, session.ErrInvalidSessionState):
		return true
	case errors.Is(err, session.ErrInvalidLocation):
		cc.sendError(call.ID(), "location out of range")
		return false
	default:
		s.log.Warn().Err(err).Str("sessionId", call.ID()).Str("type", msg.Type).Msg("caller message failed")
		return false
	}
}

type frame struct {
	kind int
	data []byte
}

// callConn is the caller side of a call. gorilla connections allow one
// concurrent writer, so every outbound frame goes through writeLoop. It
// observes its own call and is the speech sink for that call.
type callConn struct {
	eventObserver

	conn *websocket.Conn
	log  zerolog.Logger

	out     chan frame
	quit    chan struct{}
	written chan struct{}
	once    sync.Once
}

func newCallConn(conn *websocket.Conn, log zerolog.Logger) *callConn {
	c := &callConn{
		conn:    conn,
		log:     log,
		out:     make(chan frame, outboxSize),
		quit:    make(chan struct{}),
		written: make(chan struct{}),
	}
	c.eventObserver = eventObserver{emit: c.sendEvent}
	return c
}

// sendEvent drops the event when the outbox is full so the call loop is
// never held up by a slow client.
func (c *callConn) sendEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		c.log.Error().Err(err).Msg("event marshal error")
		return
	}
	select {
	case <-c.quit:
	case c.out <- frame{kind: websocket.TextMessage, data: payload}:
	default:
		c.log.Warn().Msg("caller outbox full, dropping event")
	}
}

func (c *callConn) sendError(sessionID, msg string) {
	c.sendEvent(ErrorEvent{Event: newEvent("error", sessionID, time.Time{}), Message: msg})
}

// WriteAudio blocks until the chunk is queued or the connection closes.
func (c *callConn) WriteAudio(chunk []byte) error {
	select {
	case <-c.quit:
		return errConnClosed
	default:
	}
	select {
	case c.out <- frame{kind: websocket.BinaryMessage, data: chunk}:
		return nil
	case <-c.quit:
		return errConnClosed
	}
}

func (c *callConn) Delivered(text string, err error) {
	ev := ReplyDeliveredEvent{Event: newEvent("reply_delivered", "", time.Time{}), Text: text}
	if err != nil {
		ev.Error = err.Error()
	}
	c.sendEvent(ev)
}

func (c *callConn) writeLoop() {
	defer close(c.written)
	for {
		select {
		case f := <-c.out:
			if err := c.write(f); err != nil {
				return
			}
		case <-c.quit:
			c.drain()
			return
		}
	}
}

func (c *callConn) drain() {
	for {
		select {
		case f := <-c.out:
			if err := c.write(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *callConn) write(f frame) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(f.kind, f.data)
}

// shutdown flushes queued frames, says goodbye and closes the socket.
func (c *callConn) shutdown() {
	c.once.Do(func() {
		close(c.quit)
		<-c.written
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"))
		_ = c.conn.Close()
	})
}
