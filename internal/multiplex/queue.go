package multiplex

import "sync"

// packetQueue is the FIFO of packets waiting for the gate. Producers are arbitrary goroutines calling
// SendData, the consumer is the reactor.
type packetQueue struct {
	m   sync.Mutex
	buf []*Packet
}

func (q *packetQueue) push(p *Packet) {
	q.m.Lock()
	q.buf = append(q.buf, p)
	q.m.Unlock()
}

// pop returns nil if the queue is empty
func (q *packetQueue) pop() *Packet {
	q.m.Lock()
	defer q.m.Unlock()
	if len(q.buf) == 0 {
		return nil
	}
	p := q.buf[0]
	q.buf[0] = nil
	q.buf = q.buf[1:]
	return p
}

func (q *packetQueue) len() int {
	q.m.Lock()
	defer q.m.Unlock()
	return len(q.buf)
}

// drain empties the queue and returns what was in it
func (q *packetQueue) drain() []*Packet {
	q.m.Lock()
	defer q.m.Unlock()
	ret := q.buf
	q.buf = nil
	return ret
}

// controlQueue holds control frames waiting for the gate. It has no lock: control frames are only ever queued
// and dequeued by callbacks running on the reactor.
type controlQueue []Header

func (q *controlQueue) push(h Header) { *q = append(*q, h) }

func (q *controlQueue) pop() (h Header, ok bool) {
	if len(*q) == 0 {
		return h, false
	}
	h = (*q)[0]
	*q = (*q)[1:]
	return h, true
}

func (q *controlQueue) clear() { *q = nil }

// ackQueue records, in send order, the packets whose first chunk went out and whose delivery-ack is awaited
type ackQueue []uint32

func (q *ackQueue) push(packetID uint32) { *q = append(*q, packetID) }

func (q *ackQueue) pop() (uint32, bool) {
	if len(*q) == 0 {
		return 0, false
	}
	id := (*q)[0]
	*q = (*q)[1:]
	return id, true
}

func (q *ackQueue) clear() { *q = nil }
