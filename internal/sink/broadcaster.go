package sink

import (
	"sync"

	"github.com/lanikai/ilpipe/internal/buffer"
)

// Broadcaster fans frames out to any number of subscribers. A slow
// subscriber loses its oldest queued frame rather than blocking the writer.
type Broadcaster struct {
	// Start is called when the first subscriber is added.
	Start func()

	// Stop is called when the last subscriber is removed.
	Stop func()

	subscribers map[chan []byte]*subscription
	closed      bool

	sync.Mutex
}

type subscription struct {
	missed int
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[chan []byte]*subscription)}
}

func (b *Broadcaster) Subscribe(capacity int) <-chan []byte {
	b.Lock()
	defer b.Unlock()

	if capacity == 0 {
		panic("sink.Broadcaster: receiver capacity must be nonzero")
	}

	s := make(chan []byte, capacity)
	if b.closed {
		close(s)
		return s
	}
	b.subscribers[s] = &subscription{}
	if b.Start != nil && len(b.subscribers) == 1 {
		b.Start()
	}
	return s
}

// Unsubscribe removes s and returns the number of frames it missed.
func (b *Broadcaster) Unsubscribe(s <-chan []byte) int {
	b.Lock()
	defer b.Unlock()

	missed := 0
	for ch, sub := range b.subscribers {
		if ch == s {
			missed = sub.missed
			close(ch)
			delete(b.subscribers, ch)
			if b.Stop != nil && len(b.subscribers) == 0 {
				go b.Stop()
			}
			break
		}
	}
	return missed
}

// Subscribers returns the current number of subscribers.
func (b *Broadcaster) Subscribers() int {
	b.Lock()
	defer b.Unlock()
	return len(b.subscribers)
}

// WriteFrame copies p to every subscriber.
func (b *Broadcaster) WriteFrame(p []byte, flags buffer.Flags) error {
	b.Lock()
	defer b.Unlock()

	if b.closed {
		return ErrClosed
	}
	if len(b.subscribers) == 0 {
		return nil
	}
	frame := append([]byte(nil), p...)
	for s, sub := range b.subscribers {
		select {
		case s <- frame:
		default:
			// Drop oldest, add newest
			select {
			case <-s:
			default:
			}
			s <- frame
			sub.missed++
			log.Trace(2, "subscriber missed a frame (%d total)", sub.missed)
		}
	}
	return nil
}

func (b *Broadcaster) Close() error {
	b.Lock()
	defer b.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for s := range b.subscribers {
		close(s)
		for len(s) > 0 {
			<-s // Drain
		}
	}
	b.subscribers = nil
	return nil
}
