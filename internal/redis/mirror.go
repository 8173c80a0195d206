package redis

import (
	"context"
	"strconv"
	"sync"
)

// Mirror copies state fields into Redis from its own goroutine. Set never
// blocks; fields written faster than Redis accepts them are coalesced so
// only the latest value of each field is sent.
type Mirror struct {
	client *Client

	mu      sync.Mutex
	pending map[string]string
	order   []string
	wake    chan struct{}
}

// NewMirror creates a Mirror writing through c.
func NewMirror(c *Client) *Mirror {
	return &Mirror{
		client:  c,
		pending: make(map[string]string),
		wake:    make(chan struct{}, 1),
	}
}

// SetBool queues field with a "true"/"false" value.
func (m *Mirror) SetBool(field string, value bool) {
	m.Set(field, strconv.FormatBool(value))
}

// Set queues field for writing.
func (m *Mirror) Set(field, value string) {
	m.mu.Lock()
	if _, ok := m.pending[field]; !ok {
		m.order = append(m.order, field)
	}
	m.pending[field] = value
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

type fieldValue struct {
	field, value string
}

func (m *Mirror) take() []fieldValue {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]fieldValue, 0, len(m.order))
	for _, f := range m.order {
		out = append(out, fieldValue{field: f, value: m.pending[f]})
	}
	m.order = nil
	m.pending = make(map[string]string)
	return out
}

// Run writes queued fields until ctx is done. Failed writes are logged by
// the client and not retried; the next Set of the field overwrites it.
func (m *Mirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.wake:
			for _, fv := range m.take() {
				if ctx.Err() != nil {
					return nil
				}
				// PublishState logs failures itself
				_ = m.client.PublishState(ctx, fv.field, fv.value)
			}
		}
	}
}
