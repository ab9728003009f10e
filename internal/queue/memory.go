package queue

import (
	"context"
	"sync"
	"time"
)

var _ Broker = (*Memory)(nil)

type MemoryConfig struct {
	// Messages held per queue before Publish blocks.
	Buffer int
	// Handlers running at once per Consume call.
	Concurrency int
	// Wait before an unacknowledged message is queued again.
	RedeliveryDelay time.Duration
}

// Memory is a broker for a single process, backed by channels.
type Memory struct {
	mu     sync.Mutex
	queues map[string]chan []byte
	cfg    MemoryConfig
}

func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = time.Second
	}

	return &Memory{queues: map[string]chan []byte{}, cfg: cfg}
}

func (m *Memory) queue(name string) chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.queues[name]
	if !ok {
		ch = make(chan []byte, m.cfg.Buffer)
		m.queues[name] = ch
	}
	return ch
}

func (m *Memory) Publish(ctx context.Context, queue string, body []byte) error {
	select {
	case m.queue(queue) <- body:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Consume(ctx context.Context, queue string, h Handler) error {
	var (
		ch = m.queue(queue)
		wg sync.WaitGroup
	)
	for range m.cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for {
				select {
				case <-ctx.Done():
					return
				case body := <-ch:
					d := &memoryDelivery{body: body}
					h(ctx, d)
					if !d.acked() {
						m.redeliver(ctx, ch, body)
					}
				}
			}
		}()
	}
	wg.Wait()

	return nil
}

func (m *Memory) redeliver(ctx context.Context, ch chan []byte, body []byte) {
	go func() {
		t := time.NewTimer(m.cfg.RedeliveryDelay)
		defer t.Stop()

		select {
		case <-ctx.Done():
		case <-t.C:
			select {
			case ch <- body:
			case <-ctx.Done():
			}
		}
	}()
}

type memoryDelivery struct {
	mu   sync.Mutex
	body []byte
	ack  bool
}

func (d *memoryDelivery) Body() []byte { return d.body }

func (d *memoryDelivery) Ack(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ack = true
	return nil
}

func (d *memoryDelivery) acked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.ack
}
