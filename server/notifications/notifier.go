package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cyclopcam/alertbridge/server/alertdb"
	"github.com/cyclopcam/alertbridge/server/log"
)

// AlertsTopic is the destination that live viewers subscribe to
const AlertsTopic = "/topic/alerts"

const relayTimeout = 5 * time.Second

// LocalBroker delivers a frame to the viewers connected to this process
type LocalBroker interface {
	Publish(dest string, body []byte) int
}

// Relay carries notifications between instances of the server.
// Every instance, including the publisher, receives each payload through Run.
// Subscribe must succeed before Run is called.
// Publish returns the number of subscribers the payload was handed to.
type Relay interface {
	Subscribe(ctx context.Context) error
	Publish(ctx context.Context, payload []byte) (int64, error)
	Run(ctx context.Context, deliver func(payload []byte))
	Close() error
}

// Notifier pushes stored alerts to live viewers, and optionally to the export queue.
type Notifier struct {
	log      log.Log
	broker   LocalBroker
	relay    Relay     // may be nil
	exporter *Exporter // may be nil

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNotifier(logger log.Log, broker LocalBroker, relay Relay, exporter *Exporter) *Notifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		log:      log.NewPrefixLogger(logger, "Notifier"),
		broker:   broker,
		relay:    relay,
		exporter: exporter,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start the background relay subscription and exporter, if configured.
// The relay subscription is confirmed before Start returns, so an alert
// published right afterwards still reaches our own viewers.
func (n *Notifier) Start() error {
	if n.relay != nil {
		ctx, cancel := context.WithTimeout(n.ctx, relayTimeout)
		err := n.relay.Subscribe(ctx)
		cancel()
		if err != nil {
			return err
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.relay.Run(n.ctx, n.deliverLocal)
		}()
	}
	if n.exporter != nil {
		n.exporter.Start()
	}
	return nil
}

// Publish sends the alert to every live subscriber.
// Delivery is best effort: an error means that some viewers may not have received the alert,
// but the alert itself is already stored.
func (n *Notifier) Publish(alert *alertdb.Alert) error {
	if n.exporter != nil {
		n.exporter.Enqueue(*alert)
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("Failed to encode alert %v: %w", alert.ID, err)
	}

	if n.relay == nil {
		n.deliverLocal(body)
		return nil
	}

	ctx, cancel := context.WithTimeout(n.ctx, relayTimeout)
	defer cancel()
	receivers, err := n.relay.Publish(ctx, body)
	if err != nil {
		// At least our own viewers get it
		n.deliverLocal(body)
		return fmt.Errorf("Failed to relay alert %v: %w", alert.ID, err)
	}
	if receivers == 0 {
		// Our own subscription is not live, so nobody will deliver it for us
		n.log.Warnf("Alert %v reached no relay subscribers, delivering locally", alert.ID)
		n.deliverLocal(body)
	}
	return nil
}

func (n *Notifier) deliverLocal(body []byte) {
	nQueued := n.broker.Publish(AlertsTopic, body)
	n.log.Debugf("Delivered to %v subscribers", nQueued)
}

// Close stops the background goroutines and releases the relay
func (n *Notifier) Close() {
	n.cancel()
	n.wg.Wait()
	if n.exporter != nil {
		n.exporter.Close()
	}
	if n.relay != nil {
		if err := n.relay.Close(); err != nil {
			n.log.Warnf("Error closing relay: %v", err)
		}
	}
}
