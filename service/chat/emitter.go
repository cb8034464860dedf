package chat

import (
	"encoding/json"
	"sync"
)

// HandlerFunc consumes the raw payload of one inbound event.
type HandlerFunc func(data json.RawMessage)

// Emitter is the subscription registry for channel events. Unlike a
// last-registration-wins map, every On call gets its own slot and returns
// an unsubscribe handle, so two screens (or a screen and a badge counter)
// can both listen to new_message without clobbering each other.
type Emitter struct {
	mu   sync.RWMutex
	seq  int
	subs map[string]map[int]HandlerFunc
}

func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[string]map[int]HandlerFunc)}
}

// On 注册监听；返回的函数用于退订，重复调用无副作用。
func (e *Emitter) On(event string, fn HandlerFunc) (off func()) {
	if fn == nil {
		return func() {}
	}
	e.mu.Lock()
	e.seq++
	id := e.seq
	m := e.subs[event]
	if m == nil {
		m = make(map[int]HandlerFunc)
		e.subs[event] = m
	}
	m[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			if m := e.subs[event]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(e.subs, event)
				}
			}
			e.mu.Unlock()
		})
	}
}

// Emit 分发事件。先在读锁下快照监听者，再在锁外调用，
// 允许 handler 内部继续 On/退订而不死锁。
func (e *Emitter) Emit(event string, data json.RawMessage) {
	e.mu.RLock()
	m := e.subs[event]
	fns := make([]HandlerFunc, 0, len(m))
	for _, fn := range m {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(data)
	}
}

// ListenerCount 监听数量（调试/测试用）。
func (e *Emitter) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs[event])
}
