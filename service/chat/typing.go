package chat

import (
	"sync"
	"time"

	"FitProject/logger"
	"FitProject/module/chat/model"
)

// ===== 配置 =====

type TypingConf struct {
	IdleTimeout time.Duration // 停止输入多久后自动发 stop_typing（默认 3s）
	PeerTimeout time.Duration // 对端 typing 的兜底清除（默认 6s；<0 关闭）
}

func (c *TypingConf) norm() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 3 * time.Second
	}
	if c.PeerTimeout == 0 {
		c.PeerTimeout = 6 * time.Second
	}
}

// ===== 协调器 =====

// TypingCoordinator debounces outbound typing signals and tracks the peer's
// ephemeral typing flag for one conversation.
//
// 发送侧：一轮连续击键只发一次 typing，空闲计时器每次击键重置，
// 到点自动补 stop_typing。接收侧：正常依赖对端的 stop_typing；
// 万一它在网络上丢了，PeerTimeout 兜底清旗，指示器不会永远卡住。
type TypingCoordinator struct {
	mu             sync.Mutex
	ch             Channel
	conversationID string
	selfID         string
	conf           TypingConf

	signaled  bool
	idleTimer *time.Timer

	peerTyping bool
	peerTimer  *time.Timer
	onPeer     func(bool) // 对端状态翻转回调（可为 nil）
}

func NewTypingCoordinator(ch Channel, conversationID, selfID string, conf TypingConf, onPeerChange func(bool)) *TypingCoordinator {
	conf.norm()
	return &TypingCoordinator{
		ch:             ch,
		conversationID: conversationID,
		selfID:         selfID,
		conf:           conf,
		onPeer:         onPeerChange,
	}
}

// Keystroke 每次击键调用。未连接时忽略（不是错误）。
func (t *TypingCoordinator) Keystroke() {
	if !t.ch.IsConnected() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.signaled {
		if err := t.ch.Emit(EventTyping, TypingBody{ConversationID: t.conversationID, IsTyping: true}); err != nil {
			logger.Debugf("[typing] emit failed: %v", err)
			return
		}
		t.signaled = true
	}
	// 最新一次击键决定停表
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.idleTimer = time.AfterFunc(t.conf.IdleTimeout, t.idleFired)
}

func (t *TypingCoordinator) idleFired() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitStopLocked()
}

// Stop cancels timers and flushes a stop_typing if one is owed.
// 离开会话/关屏时必须调用。
func (t *TypingCoordinator) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	if t.peerTimer != nil {
		t.peerTimer.Stop()
		t.peerTimer = nil
	}
	t.emitStopLocked()
	t.peerTyping = false
}

// caller must hold t.mu
func (t *TypingCoordinator) emitStopLocked() {
	if !t.signaled {
		return
	}
	t.signaled = false
	if !t.ch.IsConnected() {
		return
	}
	if err := t.ch.Emit(EventStopTyping, TypingBody{ConversationID: t.conversationID, IsTyping: false}); err != nil {
		logger.Debugf("[typing] stop emit failed: %v", err)
	}
}

// HandleInbound applies a user_typing / user_stop_typing event. Events for
// other conversations and our own echo are dropped.
func (t *TypingCoordinator) HandleInbound(s model.TypingState) {
	if s.ConversationID != t.conversationID || s.UserID == t.selfID {
		return
	}
	t.mu.Lock()
	changed := t.peerTyping != s.IsTyping
	t.peerTyping = s.IsTyping

	if t.peerTimer != nil {
		t.peerTimer.Stop()
		t.peerTimer = nil
	}
	if s.IsTyping && t.conf.PeerTimeout > 0 {
		t.peerTimer = time.AfterFunc(t.conf.PeerTimeout, t.peerTimedOut)
	}
	cb := t.onPeer
	t.mu.Unlock()

	if changed && cb != nil {
		cb(s.IsTyping)
	}
}

func (t *TypingCoordinator) peerTimedOut() {
	t.mu.Lock()
	changed := t.peerTyping
	t.peerTyping = false
	t.peerTimer = nil
	cb := t.onPeer
	t.mu.Unlock()

	if changed && cb != nil {
		cb(false)
	}
}

// PeerTyping 对端当前是否在输入。
func (t *TypingCoordinator) PeerTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerTyping
}
