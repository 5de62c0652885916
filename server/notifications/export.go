package notifications

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/alertbridge/pkg/gen"
	"github.com/cyclopcam/alertbridge/server/alertdb"
	"github.com/cyclopcam/alertbridge/server/log"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultExportQueueSize = 1000
	exportWriteTimeout     = 10 * time.Second
	exportBatchSize        = 100
)

// MessageWriter is satisfied by *kafka.Writer
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter creates a synchronous writer that partitions by message key.
// brokers is a comma separated list of host:port.
func NewKafkaWriter(brokers, topic string) *kafka.Writer {
	brokerList := strings.Split(brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokerList...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: exportWriteTimeout,
		RequiredAcks: kafka.RequireOne,
	}
}

// Exporter copies stored alerts onto a Kafka topic.
// Alerts wait in a bounded queue while Kafka is unreachable. When the queue is full, the oldest alerts are dropped.
type Exporter struct {
	// Retry pause after a failed write doubles from MinPause up to MaxPause.
	// Change these before calling Start.
	MinPause time.Duration
	MaxPause time.Duration

	log          log.Log
	writer       MessageWriter
	maxQueueSize int
	newAlert     chan alertdb.Alert
	stop         chan struct{}
	done         chan struct{}
	started      bool
	nSent        atomic.Int64
	nDropped     atomic.Int64
	queueLen     atomic.Int64
}

func NewExporter(logger log.Log, writer MessageWriter, maxQueueSize int) *Exporter {
	if maxQueueSize <= 0 {
		maxQueueSize = DefaultExportQueueSize
	}
	return &Exporter{
		MinPause:     time.Second,
		MaxPause:     30 * time.Second,
		log:          log.NewPrefixLogger(logger, "Export"),
		writer:       writer,
		maxQueueSize: maxQueueSize,
		newAlert:     make(chan alertdb.Alert, maxQueueSize),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (e *Exporter) Start() {
	e.started = true
	go e.run()
}

// Enqueue never blocks. If the hand-off channel is full, the alert is dropped.
func (e *Exporter) Enqueue(alert alertdb.Alert) {
	select {
	case e.newAlert <- alert:
	default:
		e.nDropped.Add(1)
		e.log.Warnf("Export queue is full, dropping alert %v", alert.ID)
	}
}

// NumSent is the number of alerts written to Kafka
func (e *Exporter) NumSent() int64 {
	return e.nSent.Load()
}

// NumDropped is the number of alerts that were discarded without being written
func (e *Exporter) NumDropped() int64 {
	return e.nDropped.Load()
}

// QueueLength is the number of alerts waiting to be written
func (e *Exporter) QueueLength() int64 {
	return e.queueLen.Load()
}

// Close stops the background loop and closes the writer. Alerts still queued are lost.
func (e *Exporter) Close() {
	if e.started {
		close(e.stop)
		<-e.done
	}
	if err := e.writer.Close(); err != nil {
		e.log.Warnf("Error closing writer: %v", err)
	}
}

func (e *Exporter) run() {
	defer close(e.done)
	pause := e.MaxPause
	queue := []alertdb.Alert{}
	for {
		select {
		case a := <-e.newAlert:
			// Take everything that's waiting, so that a burst becomes one batch
			queue = append(queue, a)
			queue = append(queue, gen.DrainChannelIntoSlice(e.newAlert)...)
			if len(queue) > e.maxQueueSize {
				n := len(queue) - e.maxQueueSize
				e.log.Warnf("Dropping %v old alerts from export queue, size: %v", n, len(queue))
				e.nDropped.Add(int64(n))
				queue = queue[n:]
			}
			pause = 0
		case <-time.After(pause):
			if len(queue) != 0 {
				queue = e.transmitQueue(queue)
			}
			if len(queue) == 0 {
				// Nothing to do until the next alert arrives
				pause = e.MaxPause
			} else {
				pause = gen.Clamp(pause*2, e.MinPause, e.MaxPause)
			}
		case <-e.stop:
			if len(queue) != 0 {
				e.log.Warnf("Shutting down with %v alerts not exported", len(queue))
			}
			return
		}
		e.queueLen.Store(int64(len(queue)))
	}
}

// Returns the alerts that still need to be sent
func (e *Exporter) transmitQueue(queue []alertdb.Alert) []alertdb.Alert {
	for len(queue) != 0 {
		n := min(len(queue), exportBatchSize)
		msgs := make([]kafka.Message, 0, n)
		for i := 0; i < n; i++ {
			msg, err := makeMessage(&queue[i])
			if err != nil {
				e.log.Errorf("Failed to encode alert %v: %v", queue[i].ID, err)
				continue
			}
			msgs = append(msgs, msg)
		}
		ctx, cancel := context.WithTimeout(context.Background(), exportWriteTimeout)
		err := e.writer.WriteMessages(ctx, msgs...)
		cancel()
		if err != nil {
			e.log.Errorf("Failed to export %v alerts: %v", len(msgs), err)
			return queue
		}
		e.nSent.Add(int64(len(msgs)))
		queue = queue[n:]
	}
	return queue
}

// Messages are keyed by camera, so that each camera's alerts stay in order on one partition
func makeMessage(a *alertdb.Alert) (kafka.Message, error) {
	value, err := json.Marshal(a)
	if err != nil {
		return kafka.Message{}, err
	}
	msg := kafka.Message{
		Value: value,
		Time:  time.Now(),
	}
	if a.CameraID != nil {
		msg.Key = []byte(strconv.Itoa(int(*a.CameraID)))
	}
	return msg, nil
}
