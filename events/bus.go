package events

import (
	"encoding/json"
	"log"
	"sync"
)

// Topics carried on the bus, one per job lifecycle event
const (
	TopicJobActive    = "job-active"
	TopicJobProgress  = "job-progress"
	TopicJobCompleted = "job-completed"
	TopicJobFailed    = "job-failed"
)

// ActiveEvent is published when the queue hands a job to a worker
type ActiveEvent struct {
	JobID string `json:"jobId"`
}

// ProgressEvent is published on every progress tick
type ProgressEvent struct {
	JobID    string `json:"jobId"`
	Progress int    `json:"progress"`
}

// CompletedReturn carries the public URLs of the produced thumbnails
type CompletedReturn struct {
	Thumbnails []string `json:"thumbnails"`
}

// CompletedEvent is published once by the worker after the store update
type CompletedEvent struct {
	JobID       string          `json:"jobId"`
	ReturnValue CompletedReturn `json:"returnvalue"`
	Status      string          `json:"status"`
	Progress    int             `json:"progress"`
}

// FailedEvent is published when a job exhausts its attempts
type FailedEvent struct {
	JobID    string `json:"jobId"`
	Error    string `json:"error"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

// Message is what subscribers receive: the topic, the job the event
// concerns, and the already-marshaled JSON payload.
type Message struct {
	Topic string
	JobID string
	Data  []byte
}

// Subscription is a handle returned by Subscribe. Receive from C;
// call Bus.Unsubscribe when done.
type Subscription struct {
	C chan Message
}

// Bus is an in-process topic pub/sub decoupling the queue and worker from
// the live connection layer. Publish never blocks: subscribers that fall
// behind lose messages and are expected to resync from the job store on
// reconnect.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]bool)}
}

// Subscribe registers a listener for all topics. bufferSize bounds how far
// a slow consumer may lag before messages are dropped.
func (b *Bus) Subscribe(bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	sub := &Subscription{C: make(chan Message, bufferSize)}
	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channel
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if b.subs[sub] {
		delete(b.subs, sub)
		close(sub.C)
	}
	b.mu.Unlock()
}

// Publish marshals the payload and fans it out to every subscriber.
// Delivery is at-least-once best-effort; per-jobId ordering is preserved
// only as far as the publisher publishes in causal order.
func (b *Bus) Publish(topic, jobID string, payload interface{}) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		log.Printf("events: failed to marshal %s event for job %s: %v", topic, jobID, err)
		return
	}

	msg := Message{Topic: topic, JobID: jobID, Data: encoded}

	b.mu.RLock()
	for sub := range b.subs {
		select {
		case sub.C <- msg:
		default:
			log.Printf("events: dropping %s event for job %s, subscriber buffer full", topic, jobID)
		}
	}
	b.mu.RUnlock()
}
