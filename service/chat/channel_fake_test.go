package chat

import (
	"encoding/json"
	"sync"
	"time"
)

// fakeChannel 记录 Emit 的内存通道，入站侧复用真实 Emitter。
type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	frames    []fakeFrame
	emitErr   error
	emitter   *Emitter
}

type fakeFrame struct {
	Event   string
	Payload any
}

func newFakeChannel(connected bool) *fakeChannel {
	return &fakeChannel{connected: connected, emitter: NewEmitter()}
}

func (f *fakeChannel) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.frames = append(f.frames, fakeFrame{Event: event, Payload: payload})
	return nil
}

func (f *fakeChannel) On(event string, fn HandlerFunc) func() {
	return f.emitter.On(event, fn)
}

func (f *fakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

// push 模拟服务端下行：序列化后走订阅面。
func (f *fakeChannel) push(event string, payload any) {
	var data json.RawMessage
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	f.emitter.Emit(event, data)
}

func (f *fakeChannel) sent() []fakeFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeFrame, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeChannel) countEvent(event string) int {
	n := 0
	for _, fr := range f.sent() {
		if fr.Event == event {
			n++
		}
	}
	return n
}

// waitUntil 轮询异步状态直到成立或超时。
func waitUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
