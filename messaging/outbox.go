package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"shuttlecore/store"
)

const (
	drainBatch      = 50
	maxOutboxRetry  = 10
	sentRetention   = 24 * time.Hour
	purgeEveryTicks = 720
)

// Enqueue encodes env and stores it for the drainer.
func Enqueue(db *store.DB, topic, stationID string, env interface{ Encode() ([]byte, error) }, msgType string) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return db.EnqueueOutbox(topic, data, msgType, stationID)
}

// OutboxDrainer periodically sends pending outbox messages.
type OutboxDrainer struct {
	db       *store.DB
	pub      Publisher
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
	ticks    int
}

func NewOutboxDrainer(db *store.DB, pub Publisher, interval time.Duration) *OutboxDrainer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &OutboxDrainer{
		db:       db,
		pub:      pub,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start begins the outbox drain loop.
func (d *OutboxDrainer) Start() {
	d.wg.Add(1)
	go d.drainLoop()
}

// Stop stops the outbox drain loop.
func (d *OutboxDrainer) Stop() {
	select {
	case <-d.stopChan:
	default:
		close(d.stopChan)
	}
	d.wg.Wait()
}

func (d *OutboxDrainer) drainLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopChan:
			return
		case <-ticker.C:
			d.Drain()
			d.ticks++
			if d.ticks%purgeEveryTicks == 0 {
				if n, err := d.db.PurgeSentOutbox(sentRetention); err != nil {
					log.Printf("outbox: purge: %v", err)
				} else if n > 0 {
					log.Printf("outbox: purged %d sent messages", n)
				}
			}
		}
	}
}

// Drain publishes one batch of pending messages and returns how many were
// sent.
func (d *OutboxDrainer) Drain() int {
	if !d.pub.IsConnected() {
		return 0
	}
	msgs, err := d.db.ListPendingOutbox(drainBatch, maxOutboxRetry)
	if err != nil {
		log.Printf("outbox: list pending: %v", err)
		return 0
	}
	sent := 0
	for _, msg := range msgs {
		if err := d.pub.Publish(msg.Topic, msg.Payload); err != nil {
			log.Printf("outbox: publish msg %d to %s: %v", msg.ID, msg.Topic, err)
			d.db.IncrementOutboxRetries(msg.ID)
			continue
		}
		if err := d.db.AckOutbox(msg.ID); err != nil {
			log.Printf("outbox: ack msg %d: %v", msg.ID, err)
			continue
		}
		sent++
	}
	return sent
}
