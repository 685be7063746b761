package ws

import (
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
)

// lane 单个频道的 FIFO，同一频道的事件按到达顺序串行处理
type lane struct {
	mu      sync.Mutex
	queue   []Event
	running bool
}

// Dispatcher 消息分发器：频道之间并行，频道内部保序
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
	lanes    map[Topic]*lane
	pool     *ants.Pool
	log      zerolog.Logger
}

func NewDispatcher(poolSize int, log zerolog.Logger) *Dispatcher {
	if poolSize <= 0 {
		poolSize = 64
	}
	pool, _ := ants.NewPool(poolSize, ants.WithNonblocking(true))
	return &Dispatcher{
		handlers: make(map[Topic][]Handler),
		lanes:    make(map[Topic]*lane),
		pool:     pool,
		log:      log,
	}
}

// Register 注册频道处理函数
func (d *Dispatcher) Register(topic Topic, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[topic] = append(d.handlers[topic], h)
	if _, ok := d.lanes[topic]; !ok {
		d.lanes[topic] = &lane{}
	}
}

// Topics 已注册的频道
func (d *Dispatcher) Topics() []Topic {
	d.mu.RLock()
	defer d.mu.RUnlock()
	topics := make([]Topic, 0, len(d.handlers))
	for t := range d.handlers {
		topics = append(topics, t)
	}
	return topics
}

// Dispatch 入队并在池中调度该频道的 drain
func (d *Dispatcher) Dispatch(ev Event) {
	d.mu.RLock()
	l, ok := d.lanes[ev.Topic]
	d.mu.RUnlock()
	if !ok {
		d.log.Debug().Str("topic", string(ev.Topic)).Msg("no handler for topic")
		return
	}

	l.mu.Lock()
	l.queue = append(l.queue, ev)
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	if err := d.pool.Submit(func() { d.drain(ev.Topic, l) }); err != nil {
		// ants.ErrPoolOverload / 已关闭：降级为同步执行，只阻塞读循环
		d.log.Warn().Err(err).Str("topic", string(ev.Topic)).Msg("dispatcher pool full, executing synchronously")
		d.drain(ev.Topic, l)
	}
}

func (d *Dispatcher) drain(topic Topic, l *lane) {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			l.mu.Unlock()
			return
		}
		ev := l.queue[0]
		l.queue[0] = Event{}
		l.queue = l.queue[1:]
		l.mu.Unlock()

		d.execute(topic, ev)
	}
}

func (d *Dispatcher) execute(topic Topic, ev Event) {
	d.mu.RLock()
	hs := d.handlers[topic]
	d.mu.RUnlock()

	for _, h := range hs {
		if err := d.safeCall(h, ev); err != nil {
			d.log.Error().Err(err).
				Str("topic", string(topic)).
				Int64("version", ev.Version).
				Msg("handler error")
		}
	}
}

func (d *Dispatcher) safeCall(h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("topic", string(ev.Topic)).Msg("handler panic")
		}
	}()
	return h(ev)
}

// Close 关闭分发器
func (d *Dispatcher) Close() {
	if d.pool != nil {
		d.pool.Release()
	}
}
