package broker

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cyclopcam/alertbridge/server/log"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/igm/sockjs-go/v3/sockjs"
)

// SockJS close codes
const (
	sockCloseNormal    = 3000
	sockCloseGoingAway = 3001
)

// Protocol versions we speak, lowest first
var supportedVersions = []string{"1.0", "1.1", "1.2"}

// errSessionEnd is returned by handleFrame when the session must be closed
var errSessionEnd = errors.New("session end")

type session struct {
	id        string
	log       log.Log
	sock      sockjs.Session
	sendQueue chan *frame.Frame

	// Owned by the reader goroutine
	connected bool
	version   string

	// Guarded by Broker.lock
	subscriptions map[string]string // subscription id -> destination
	nDropped      int64
	lastDropMsg   time.Time
}

func newSession(logger log.Log, sock sockjs.Session, sendQueueSize int) *session {
	return &session{
		id:            sock.ID(),
		log:           log.NewPrefixLogger(logger, fmt.Sprintf("Session %v", sock.ID())),
		sock:          sock,
		sendQueue:     make(chan *frame.Frame, sendQueueSize),
		subscriptions: map[string]string{},
	}
}

// tryEnqueue must be called with Broker.lock held
func (s *session) tryEnqueue(f *frame.Frame, now time.Time) bool {
	select {
	case s.sendQueue <- f:
		return true
	default:
		s.nDropped++
		if now.Sub(s.lastDropMsg) > 5*time.Second {
			s.log.Infof("Send queue full. Dropped %v frames so far", s.nDropped)
			s.lastDropMsg = now
		}
		return false
	}
}

// send queues a reply frame from the reader goroutine.
// Unlike Publish, this blocks when the queue is full, which pushes back on a client that floods us.
func (s *session) send(f *frame.Frame) {
	s.sendQueue <- f
}

func (s *session) writer() {
	failed := false
	buf := bytes.Buffer{}
	// Keep draining after a failure, so that senders never block on a dead session
	for f := range s.sendQueue {
		if failed {
			continue
		}
		buf.Reset()
		if err := frame.NewWriter(&buf).Write(f); err != nil {
			s.log.Errorf("Failed to encode %v frame: %v", f.Command, err)
			continue
		}
		if err := s.sock.Send(buf.String()); err != nil {
			s.log.Debugf("Send failed: %v", err)
			failed = true
			s.sock.Close(sockCloseNormal, "Send failed")
		}
	}
}

// reader returns when the socket closes, or the session must end
func (s *session) reader(b *Broker) {
	for {
		msg, err := s.sock.Recv()
		if err != nil {
			return
		}
		// One transport message may carry several frames, or only heart-beat newlines
		fr := frame.NewReader(strings.NewReader(msg))
		for {
			f, err := fr.Read()
			if err == io.EOF {
				break
			} else if err != nil {
				s.sendError(nil, "Malformed frame", err.Error())
				return
			}
			if f == nil {
				// heart-beat
				continue
			}
			if err := s.handleFrame(b, f); err != nil {
				return
			}
		}
	}
}

func (s *session) handleFrame(b *Broker, f *frame.Frame) error {
	if !s.connected && f.Command != frame.CONNECT && f.Command != frame.STOMP {
		s.sendError(f, "Not connected", fmt.Sprintf("Expected CONNECT, but received %v", f.Command))
		return errSessionEnd
	}

	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		if s.connected {
			s.sendError(f, "Already connected", "")
			return errSessionEnd
		}
		version, ok := negotiateVersion(f.Header.Get(frame.AcceptVersion))
		if !ok {
			s.sendError(f, "Unsupported protocol version", "Supported protocol versions are "+strings.Join(supportedVersions, " "))
			return errSessionEnd
		}
		s.connected = true
		s.version = version
		s.send(frame.New(frame.CONNECTED,
			frame.Version, version,
			frame.HeartBeat, "0,0",
			"server", "alertbridge",
			"session", s.id,
		))
		s.log.Debugf("Connected, version %v", version)
	case frame.SUBSCRIBE:
		dest := f.Header.Get(frame.Destination)
		if !isTopic(dest) {
			s.sendError(f, "Invalid destination", fmt.Sprintf("Subscriptions must be below %v, but destination is '%v'", TopicPrefix, dest))
			return errSessionEnd
		}
		id, ok := f.Header.Contains(frame.Id)
		if !ok {
			if s.version != "1.0" {
				s.sendError(f, "Missing id header", "")
				return errSessionEnd
			}
			// 1.0 clients may omit the id, and unsubscribe by destination
			id = dest
		}
		b.subscribe(s, id, dest)
		s.log.Debugf("Subscribed %v to %v", id, dest)
	case frame.UNSUBSCRIBE:
		id, ok := f.Header.Contains(frame.Id)
		if !ok && s.version == "1.0" {
			id, ok = f.Header.Contains(frame.Destination)
		}
		if !ok {
			s.sendError(f, "Missing id header", "")
			return errSessionEnd
		}
		if !b.unsubscribe(s, id) {
			s.log.Debugf("Unsubscribe from unknown subscription %v", id)
		}
	case frame.SEND:
		dest := f.Header.Get(frame.Destination)
		if isApp(dest) {
			s.log.Debugf("Ignoring SEND to %v (no application handlers)", dest)
		} else {
			// Only the server publishes alerts
			s.log.Warnf("Ignoring SEND to %v", dest)
		}
	case frame.ACK, frame.NACK:
		// Topic subscriptions are auto-acknowledged
	case frame.DISCONNECT:
		s.sendReceipt(f)
		return errSessionEnd
	default:
		s.sendError(f, "Unsupported command", f.Command)
		return errSessionEnd
	}

	s.sendReceipt(f)
	return nil
}

func (s *session) sendReceipt(f *frame.Frame) {
	if receipt, ok := f.Header.Contains(frame.Receipt); ok {
		s.send(frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
	}
}

// sendError queues an ERROR frame. The caller must end the session after this.
// cause may be nil when the offending frame could not be parsed.
func (s *session) sendError(cause *frame.Frame, message, detail string) {
	s.log.Infof("Error: %v %v", message, detail)
	e := frame.New(frame.ERROR, frame.Message, message)
	if cause != nil {
		if receipt, ok := cause.Header.Contains(frame.Receipt); ok {
			e.Header.Set(frame.ReceiptId, receipt)
		}
	}
	if detail != "" {
		e.Body = []byte(detail)
		e.Header.Set(frame.ContentType, "text/plain")
		e.Header.Set(frame.ContentLength, fmt.Sprintf("%v", len(e.Body)))
	}
	s.send(e)
}

// negotiateVersion picks the highest version offered by the client that we support.
// A client that sends no accept-version header speaks 1.0.
func negotiateVersion(acceptVersion string) (string, bool) {
	if acceptVersion == "" {
		return "1.0", true
	}
	offered := strings.Split(acceptVersion, ",")
	for i := len(supportedVersions) - 1; i >= 0; i-- {
		for _, v := range offered {
			if strings.TrimSpace(v) == supportedVersions[i] {
				return supportedVersions[i], true
			}
		}
	}
	return "", false
}
