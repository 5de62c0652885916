package broker

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/alertbridge/server/log"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/igm/sockjs-go/v3/sockjs"
)

const (
	// Path of the live endpoint. SockJS transports live below it, and raw websockets at Prefix + "/websocket".
	Prefix = "/ws-bridge"

	// Clients may only subscribe below this prefix
	TopicPrefix = "/topic"

	// Reserved for client-to-server application messages. Nothing is routed there yet.
	AppPrefix = "/app"

	// Number of outgoing frames we buffer per session, before dropping frames to that session.
	DefaultSendQueueSize = 100
)

// Broker is an in-memory STOMP broker for topic destinations, served over SockJS.
// It keeps no history: a frame published before a client subscribes is never seen by that client.
type Broker struct {
	log           log.Log
	sendQueueSize int
	handler       http.Handler
	nDropped      atomic.Int64
	wg            sync.WaitGroup

	lock     sync.Mutex // guards everything below, and the subscriptions of every session
	sessions map[*session]struct{}
	closed   bool
}

func NewBroker(logger log.Log, sendQueueSize int) *Broker {
	if sendQueueSize <= 0 {
		sendQueueSize = DefaultSendQueueSize
	}
	b := &Broker{
		log:           log.NewPrefixLogger(logger, "Broker"),
		sendQueueSize: sendQueueSize,
		sessions:      map[*session]struct{}{},
	}

	opts := sockjs.DefaultOptions
	opts.RawWebsocket = true
	opts.WebsocketUpgrader = &websocket.Upgrader{
		// Viewers are served from any origin
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	b.handler = sockjs.NewHandler(Prefix, opts, b.serveSession)
	return b
}

// Handler serves every path below Prefix
func (b *Broker) Handler() http.Handler {
	return b.handler
}

// Publish sends body to every subscription whose destination is exactly dest.
// It never blocks. If a session's send queue is full, the frame is dropped for that session.
// Returns the number of frames queued.
func (b *Broker) Publish(dest string, body []byte) int {
	messageID := uuid.NewString()
	now := time.Now()

	b.lock.Lock()
	defer b.lock.Unlock()

	nQueued := 0
	for s := range b.sessions {
		for subID, subDest := range s.subscriptions {
			if subDest != dest {
				continue
			}
			f := frame.New(frame.MESSAGE,
				frame.Destination, dest,
				frame.Subscription, subID,
				frame.MessageId, messageID,
				frame.ContentType, "application/json",
				frame.ContentLength, fmt.Sprintf("%v", len(body)),
			)
			f.Body = body
			if s.tryEnqueue(f, now) {
				nQueued++
			} else {
				b.nDropped.Add(1)
			}
		}
	}
	return nQueued
}

// NumSessions returns the number of open sessions, connected or not
func (b *Broker) NumSessions() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.sessions)
}

// NumSubscriptions returns the total number of subscriptions across all sessions
func (b *Broker) NumSubscriptions() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	n := 0
	for s := range b.sessions {
		n += len(s.subscriptions)
	}
	return n
}

// NumDropped returns the number of frames dropped because a session's send queue was full
func (b *Broker) NumDropped() int64 {
	return b.nDropped.Load()
}

// Close disconnects all sessions, and waits for their goroutines to exit.
// New sessions are refused after Close.
func (b *Broker) Close() {
	b.lock.Lock()
	b.closed = true
	all := make([]*session, 0, len(b.sessions))
	for s := range b.sessions {
		all = append(all, s)
	}
	b.lock.Unlock()

	for _, s := range all {
		s.sock.Close(sockCloseGoingAway, "Server shutting down")
	}
	b.wg.Wait()
}

func (b *Broker) addSession(s *session) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return false
	}
	b.sessions[s] = struct{}{}
	b.wg.Add(1)
	return true
}

// removeSession must only be called once per session, after its reader has exited.
// Closing the send queue under the lock guarantees that Publish never sends on a closed channel.
func (b *Broker) removeSession(s *session) {
	b.lock.Lock()
	delete(b.sessions, s)
	s.subscriptions = nil
	close(s.sendQueue)
	b.lock.Unlock()
}

func (b *Broker) subscribe(s *session, id, dest string) {
	b.lock.Lock()
	s.subscriptions[id] = dest
	b.lock.Unlock()
}

func (b *Broker) unsubscribe(s *session, id string) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	_, ok := s.subscriptions[id]
	delete(s.subscriptions, id)
	return ok
}

func (b *Broker) serveSession(sock sockjs.Session) {
	s := newSession(b.log, sock, b.sendQueueSize)
	if !b.addSession(s) {
		sock.Close(sockCloseGoingAway, "Server shutting down")
		return
	}
	defer b.wg.Done()
	s.log.Debugf("Open")

	writerDone := make(chan struct{})
	go func() {
		s.writer()
		close(writerDone)
	}()

	s.reader(b)

	// Let the writer flush whatever is queued (eg an ERROR frame), before closing the socket
	b.removeSession(s)
	<-writerDone
	sock.Close(sockCloseNormal, "Goodbye")
	s.log.Debugf("Closed")
}

func isTopic(dest string) bool {
	return dest == TopicPrefix || strings.HasPrefix(dest, TopicPrefix+"/")
}

func isApp(dest string) bool {
	return dest == AppPrefix || strings.HasPrefix(dest, AppPrefix+"/")
}
