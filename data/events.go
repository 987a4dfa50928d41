package data

import (
	"github.com/sasha-s/go-deadlock"
)

// Event types pushed to UI subscribers.
const (
	EvtMessage  = "message"
	EvtProgress = "progress"
	EvtFinished = "finished"
)

/*
Event is one UI-facing notification. Progress events carry Done/Total plus a
label naming the instrument in flight; a pass always terminates with exactly
one finished event, even after partial failure.
*/
type Event struct {
	Type   string `json:"type"`
	PassID string `json:"pass_id,omitempty"`
	Msg    string `json:"msg,omitempty"`
	Label  string `json:"label,omitempty"`
	Done   int    `json:"done,omitempty"`
	Total  int    `json:"total,omitempty"`
}

/*
Bus fans events out to subscribers. Slow consumers lose events rather than
stall a sync pass: the channel send never blocks.
*/
type Bus struct {
	lock deadlock.Mutex
	subs map[int]chan *Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan *Event)}
}

// Subscribe returns an event channel and its cancel func.
func (b *Bus) Subscribe() (<-chan *Event, func()) {
	b.lock.Lock()
	defer b.lock.Unlock()
	id := b.next
	b.next++
	ch := make(chan *Event, 256)
	b.subs[id] = ch
	return ch, func() {
		b.lock.Lock()
		defer b.lock.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

func (b *Bus) Publish(evt *Event) {
	b.lock.Lock()
	defer b.lock.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (b *Bus) Message(passID, msg string) {
	b.Publish(&Event{Type: EvtMessage, PassID: passID, Msg: msg})
}

func (b *Bus) Progress(passID, label string, done, total int) {
	b.Publish(&Event{Type: EvtProgress, PassID: passID, Label: label, Done: done, Total: total})
}

func (b *Bus) Finished(passID string) {
	b.Publish(&Event{Type: EvtFinished, PassID: passID})
}
