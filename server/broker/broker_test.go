package broker

import (
	"bytes"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cyclopcam/alertbridge/server/log"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func startBroker(t *testing.T, sendQueueSize int) (*Broker, *httptest.Server) {
	b := NewBroker(log.NewTestingLog(t), sendQueueSize)
	srv := httptest.NewServer(b.Handler())
	return b, srv
}

func dial(t *testing.T, srv *httptest.Server) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + Prefix + "/websocket"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(f *frame.Frame) {
	c.t.Helper()
	buf := bytes.Buffer{}
	require.NoError(c.t, frame.NewWriter(&buf).Write(f))
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, buf.Bytes()))
}

func (c *testClient) sendRaw(s string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(s)))
}

func (c *testClient) read() *frame.Frame {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, msg, err := c.conn.ReadMessage()
		require.NoError(c.t, err)
		f, err := frame.NewReader(bytes.NewReader(msg)).Read()
		require.NoError(c.t, err)
		if f != nil {
			return f
		}
	}
}

// expectNothing asserts that no frame arrives within a short window
func (c *testClient) expectNothing() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := c.conn.ReadMessage()
	require.Error(c.t, err)
}

// expectClosed reads until the server closes the connection
func (c *testClient) expectClosed() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			require.False(c.t, isTimeout(err), "Expected close, got timeout")
			return
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *testClient) connect() {
	c.t.Helper()
	c.send(frame.New(frame.CONNECT, frame.AcceptVersion, "1.1,1.2", "host", "localhost", frame.HeartBeat, "10000,10000"))
	f := c.read()
	require.Equal(c.t, frame.CONNECTED, f.Command)
	require.Equal(c.t, "1.2", f.Header.Get(frame.Version))
	require.Equal(c.t, "0,0", f.Header.Get(frame.HeartBeat))
}

func (c *testClient) subscribe(id, dest string) {
	c.t.Helper()
	c.send(frame.New(frame.SUBSCRIBE, frame.Id, id, frame.Destination, dest, frame.Receipt, "sub-"+id))
	f := c.read()
	require.Equal(c.t, frame.RECEIPT, f.Command)
	require.Equal(c.t, "sub-"+id, f.Header.Get(frame.ReceiptId))
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b, srv := startBroker(t, 0)
	defer srv.Close()
	defer b.Close()

	c1 := dial(t, srv)
	c1.connect()
	c1.subscribe("sub-0", "/topic/alerts")
	c2 := dial(t, srv)
	c2.connect()
	c2.subscribe("s7", "/topic/alerts")
	c3 := dial(t, srv)
	c3.connect()
	c3.subscribe("other", "/topic/other")

	require.Equal(t, 3, b.NumSessions())
	require.Equal(t, 3, b.NumSubscriptions())

	body := []byte(`{"id":1}`)
	require.Equal(t, 2, b.Publish("/topic/alerts", body))

	for _, tc := range []struct {
		c     *testClient
		subID string
	}{{c1, "sub-0"}, {c2, "s7"}} {
		f := tc.c.read()
		require.Equal(t, frame.MESSAGE, f.Command)
		require.Equal(t, "/topic/alerts", f.Header.Get(frame.Destination))
		require.Equal(t, tc.subID, f.Header.Get(frame.Subscription))
		require.Equal(t, "application/json", f.Header.Get(frame.ContentType))
		require.NotEmpty(t, f.Header.Get(frame.MessageId))
		require.Equal(t, body, f.Body)
	}
	c3.expectNothing()
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b, srv := startBroker(t, 0)
	defer srv.Close()
	defer b.Close()
	require.Equal(t, 0, b.Publish("/topic/alerts", []byte(`{}`)))

	// A client that subscribes later sees nothing from before
	c := dial(t, srv)
	c.connect()
	c.subscribe("a", "/topic/alerts")
	c.expectNothing()
}

func TestUnsubscribe(t *testing.T) {
	b, srv := startBroker(t, 0)
	defer srv.Close()
	defer b.Close()

	c := dial(t, srv)
	c.connect()
	c.subscribe("a", "/topic/alerts")
	c.send(frame.New(frame.UNSUBSCRIBE, frame.Id, "a", frame.Receipt, "u"))
	require.Equal(t, frame.RECEIPT, c.read().Command)
	require.Equal(t, 0, b.Publish("/topic/alerts", []byte(`{}`)))
	c.expectNothing()
}

func TestSendIsIgnored(t *testing.T) {
	b, srv := startBroker(t, 0)
	defer srv.Close()
	defer b.Close()

	c := dial(t, srv)
	c.connect()
	c.subscribe("a", "/topic/alerts")
	c.send(frame.New(frame.SEND, frame.Destination, "/app/hello", frame.Receipt, "r1"))
	require.Equal(t, "r1", c.read().Header.Get(frame.ReceiptId))
	// Clients cannot inject into a topic
	c.send(frame.New(frame.SEND, frame.Destination, "/topic/alerts", frame.Receipt, "r2"))
	f := c.read()
	require.Equal(t, frame.RECEIPT, f.Command)
	require.Equal(t, "r2", f.Header.Get(frame.ReceiptId))
	c.expectNothing()
}

func TestHeartbeatsAndBatchedFrames(t *testing.T) {
	b, srv := startBroker(t, 0)
	defer srv.Close()
	defer b.Close()

	c := dial(t, srv)
	c.sendRaw("\n")
	c.sendRaw("CONNECT\naccept-version:1.2\nhost:x\n\n\x00\nSUBSCRIBE\nid:0\ndestination:/topic/alerts\nreceipt:r\n\n\x00")
	require.Equal(t, frame.CONNECTED, c.read().Command)
	require.Equal(t, frame.RECEIPT, c.read().Command)
	require.Equal(t, 1, b.Publish("/topic/alerts", []byte(`{}`)))
	require.Equal(t, frame.MESSAGE, c.read().Command)
}

func TestProtocolErrorsCloseSession(t *testing.T) {
	b, srv := startBroker(t, 0)
	defer srv.Close()
	defer b.Close()

	// Frame before CONNECT
	c := dial(t, srv)
	c.send(frame.New(frame.SUBSCRIBE, frame.Id, "a", frame.Destination, "/topic/alerts"))
	f := c.read()
	require.Equal(t, frame.ERROR, f.Command)
	require.Equal(t, "Not connected", f.Header.Get(frame.Message))
	c.expectClosed()

	// Subscription outside /topic
	c = dial(t, srv)
	c.connect()
	c.send(frame.New(frame.SUBSCRIBE, frame.Id, "a", frame.Destination, "/queue/alerts", frame.Receipt, "r"))
	f = c.read()
	require.Equal(t, frame.ERROR, f.Command)
	require.Equal(t, "r", f.Header.Get(frame.ReceiptId))
	c.expectClosed()

	// Unknown command
	c = dial(t, srv)
	c.connect()
	c.send(frame.New(frame.BEGIN, "transaction", "t1"))
	require.Equal(t, frame.ERROR, c.read().Command)
	c.expectClosed()

	// Garbage
	c = dial(t, srv)
	c.sendRaw("CONNECT\nbad header line without colon\n\n\x00")
	require.Equal(t, frame.ERROR, c.read().Command)
	c.expectClosed()

	// Version we don't speak
	c = dial(t, srv)
	c.send(frame.New(frame.CONNECT, frame.AcceptVersion, "2.0"))
	require.Equal(t, frame.ERROR, c.read().Command)
	c.expectClosed()

	require.Eventually(t, func() bool { return b.NumSessions() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestDisconnect(t *testing.T) {
	b, srv := startBroker(t, 0)
	defer srv.Close()
	defer b.Close()

	c := dial(t, srv)
	c.connect()
	c.subscribe("a", "/topic/alerts")
	c.send(frame.New(frame.DISCONNECT, frame.Receipt, "bye"))
	f := c.read()
	require.Equal(t, frame.RECEIPT, f.Command)
	require.Equal(t, "bye", f.Header.Get(frame.ReceiptId))
	c.expectClosed()
	require.Eventually(t, func() bool { return b.NumSessions() == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 0, b.Publish("/topic/alerts", []byte(`{}`)))
}

func TestFullQueueDropsFrames(t *testing.T) {
	b := NewBroker(log.NewTestingLog(t), 2)
	// A session whose writer never drains its queue
	s := &session{
		log:           log.NewTestingLog(t),
		sendQueue:     make(chan *frame.Frame, 2),
		subscriptions: map[string]string{"a": "/topic/alerts"},
	}
	b.sessions[s] = struct{}{}

	queued := 0
	for i := 0; i < 5; i++ {
		queued += b.Publish("/topic/alerts", []byte(`{}`))
	}
	require.Equal(t, 2, queued)
	require.EqualValues(t, 3, b.NumDropped())
	require.EqualValues(t, 3, s.nDropped)
	require.Len(t, s.sendQueue, 2)
}

func TestCloseDisconnectsSessions(t *testing.T) {
	b, srv := startBroker(t, 0)
	defer srv.Close()

	c := dial(t, srv)
	c.connect()
	b.Close()
	c.expectClosed()
	require.Equal(t, 0, b.NumSessions())
}

func TestNegotiateVersion(t *testing.T) {
	v, ok := negotiateVersion("")
	require.True(t, ok)
	require.Equal(t, "1.0", v)
	v, ok = negotiateVersion("1.0,1.1")
	require.True(t, ok)
	require.Equal(t, "1.1", v)
	v, ok = negotiateVersion("1.2, 1.0")
	require.True(t, ok)
	require.Equal(t, "1.2", v)
	_, ok = negotiateVersion("3.0")
	require.False(t, ok)
}

func TestDestinationPrefixes(t *testing.T) {
	require.True(t, isTopic("/topic/alerts"))
	require.True(t, isTopic("/topic"))
	require.False(t, isTopic("/topics/alerts"))
	require.False(t, isTopic("/app/x"))
	require.True(t, isApp("/app/x"))
	require.False(t, isApp("/application"))
}
