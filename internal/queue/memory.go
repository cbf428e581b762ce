// ABOUTME: In-memory queue client for mock mode and tests.
// ABOUTME: Mirrors the reserve/delete/put contract and records every publish and acknowledgment.

package queue

import (
	"context"
	"sync"
)

// Published is one payload put on a tube
type Published struct {
	Tube string
	Body []byte
}

// MemoryClient implements Client without a server
type MemoryClient struct {
	watch string

	mutex     sync.Mutex
	nextID    uint64
	ready     []*Job
	reserved  map[uint64]*Job
	published []Published
	deletes   map[uint64]int
	signal    chan struct{}
	closed    bool

	// PutErr, when set, is returned by every Put
	PutErr error
	// DeleteErr, when set, is returned by every Delete
	DeleteErr error
}

// NewMemoryClient returns a client watching the given tube
func NewMemoryClient(watch string) *MemoryClient {
	return &MemoryClient{
		watch:    watch,
		reserved: make(map[uint64]*Job),
		deletes:  make(map[uint64]int),
		signal:   make(chan struct{}, 1),
	}
}

// Reserve returns the oldest ready job on the watched tube, blocking until
// one is available or the context is done
func (m *MemoryClient) Reserve(ctx context.Context) (*Job, error) {
	for {
		m.mutex.Lock()
		if m.closed {
			m.mutex.Unlock()
			return nil, ErrUnreachable
		}
		if len(m.ready) > 0 {
			job := m.ready[0]
			m.ready = m.ready[1:]
			m.reserved[job.ID] = job
			m.mutex.Unlock()
			return job, nil
		}
		m.mutex.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.signal:
		}
	}
}

// Delete acknowledges a reserved job
func (m *MemoryClient) Delete(ctx context.Context, job *Job) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	delete(m.reserved, job.ID)
	m.deletes[job.ID]++
	return nil
}

// Put records the payload and makes it reservable when it targets the watched tube
func (m *MemoryClient) Put(ctx context.Context, body []byte, tube string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.PutErr != nil {
		return m.PutErr
	}

	payload := append([]byte(nil), body...)
	m.published = append(m.published, Published{Tube: tube, Body: payload})
	if tube == m.watch {
		m.enqueueLocked(payload)
	}
	return nil
}

// Enqueue adds a job to the watched tube without recording it as published
func (m *MemoryClient) Enqueue(body []byte) uint64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.enqueueLocked(append([]byte(nil), body...))
}

func (m *MemoryClient) enqueueLocked(body []byte) uint64 {
	m.nextID++
	m.ready = append(m.ready, &Job{ID: m.nextID, Tube: m.watch, Body: body})

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return m.nextID
}

// Published returns payloads put on the given tube, or on every tube when tube is empty
func (m *MemoryClient) Published(tube string) []Published {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var out []Published
	for _, p := range m.published {
		if tube == "" || p.Tube == tube {
			out = append(out, p)
		}
	}
	return out
}

// Deletes returns how many times the job was acknowledged
func (m *MemoryClient) Deletes(id uint64) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.deletes[id]
}

// Reserved returns the number of jobs reserved but not yet acknowledged
func (m *MemoryClient) Reserved() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.reserved)
}

func (m *MemoryClient) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.closed = true
	return nil
}
