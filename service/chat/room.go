package chat

import (
	"sync"

	"FitProject/logger"
)

// RoomSession tracks the one conversation room an open chat screen is
// subscribed to. Joining a different room implies leaving the previous one;
// the server scopes broadcasts to room members.
//
// 未连接时 Join/Leave 是带告警的空操作——连接状态由上层保证，
// 这里不把时序问题升级成硬错误。
type RoomSession struct {
	mu      sync.Mutex
	ch      Channel
	current string
	role    string
}

func NewRoomSession(ch Channel) *RoomSession {
	return &RoomSession{ch: ch}
}

// Join 进入会话房间。已在同一房间则无动作。
func (r *RoomSession) Join(conversationID, role string) {
	if conversationID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ch.IsConnected() {
		logger.Warnf("[room] join %s skipped: channel not connected", conversationID)
		return
	}
	if r.current == conversationID {
		return
	}
	if r.current != "" {
		// 单屏同时只挂一个房间：先退旧的
		if err := r.ch.Emit(EventLeaveConversation, r.current); err != nil {
			logger.Warnf("[room] leave %s before join failed: %v", r.current, err)
		}
	}
	if err := r.ch.Emit(EventJoinConversation, conversationID); err != nil {
		logger.Warnf("[room] join %s emit failed: %v", conversationID, err)
		return
	}
	r.current = conversationID
	r.role = role
}

// Leave 退出会话房间；conversationID 不匹配当前房间时无动作。
func (r *RoomSession) Leave(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conversationID == "" || r.current != conversationID {
		return
	}
	r.current = ""
	r.role = ""
	if !r.ch.IsConnected() {
		logger.Warnf("[room] leave %s skipped: channel not connected", conversationID)
		return
	}
	if err := r.ch.Emit(EventLeaveConversation, conversationID); err != nil {
		logger.Warnf("[room] leave %s emit failed: %v", conversationID, err)
	}
}

// Rejoin re-emits the join for the current room. Server-side membership
// does not survive a reconnect, so the session calls this on every
// connect event while a screen is open.
func (r *RoomSession) Rejoin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == "" || !r.ch.IsConnected() {
		return
	}
	if err := r.ch.Emit(EventJoinConversation, r.current); err != nil {
		logger.Warnf("[room] rejoin %s emit failed: %v", r.current, err)
	}
}

func (r *RoomSession) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *RoomSession) Role() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role
}

// Accepts is the inbound routing filter: events for any other conversation
// are silently dropped (covers frames racing in after a leave).
func (r *RoomSession) Accepts(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != "" && r.current == conversationID
}
