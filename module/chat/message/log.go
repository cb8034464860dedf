package message

import (
	"sync"
	"time"

	"FitProject/module/chat/model"
	"FitProject/tools/ids"
)

// Log is the ordered local message log for one open conversation screen.
// It applies the optimistic-send / server-confirm reconciliation transitions
// as explicit methods so each transition is testable in isolation.
//
// 不做跨屏缓存：聊天页关闭即丢弃，重开重建。
type Log struct {
	mu             sync.Mutex
	conversationID string
	items          []model.Message
}

func NewLog(conversationID string) *Log {
	return &Log{conversationID: conversationID}
}

func (l *Log) ConversationID() string { return l.conversationID }

// AppendOptimistic 本地先行追加一条乐观消息（tmp- 临时 id），立即可见。
func (l *Log) AppendOptimistic(senderID, role, content string, now time.Time) model.Message {
	m := model.Message{
		ID:             ids.TempMessageID(),
		ConversationID: l.conversationID,
		SenderID:       senderID,
		SenderRole:     role,
		Content:        content,
		Read:           false,
		Timestamp:      now.UnixMilli(),
	}
	l.mu.Lock()
	l.items = append(l.items, m)
	l.mu.Unlock()
	return m
}

// ConfirmSend replaces the optimistic entry (matched by temp id) in place
// with the server's authoritative message. If the optimistic entry is gone,
// the confirmed message is appended instead — unless its server id is
// already present, in which case nothing changes. The log never holds two
// copies of one server id.
func (l *Log) ConfirmSend(tempID string, confirmed model.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if i := l.indexOf(tempID); i >= 0 {
		// 原位替换，保持列表位置
		l.items[i] = confirmed
		return
	}
	if l.indexOf(confirmed.ID) >= 0 {
		return
	}
	l.items = append(l.items, confirmed)
}

// FailSend removes the optimistic entry and hands back its text so the
// caller can restore the composer. ok=false when the entry is already gone
// (double failure callback, or confirmed in between).
func (l *Log) FailSend(tempID string) (content string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexOf(tempID)
	if i < 0 || !ids.IsTempMessageID(tempID) {
		return "", false
	}
	content = l.items[i].Content
	l.items = append(l.items[:i], l.items[i+1:]...)
	return content, true
}

// ApplyInbound merges a server-delivered message. Returns true when the log
// changed (appended or replaced an own echo); false for duplicates and
// messages for other conversations.
//
// 重复投递、乱序投递都可能发生，这里必须幂等。
func (l *Log) ApplyInbound(m model.Message, selfID string) bool {
	if m.ConversationID != l.conversationID {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.indexOf(m.ID) >= 0 {
		return false // duplicate delivery
	}
	// 自己消息的服务端回声：命中同内容的乐观条目则原位替换
	if m.SenderID == selfID {
		for i := range l.items {
			it := &l.items[i]
			if ids.IsTempMessageID(it.ID) && it.SenderID == selfID && it.Content == m.Content {
				l.items[i] = m
				return true
			}
		}
	}
	l.items = append(l.items, m)
	return true
}

// MarkRead flips the read flag for every listed id present in the log.
// Re-applying the same receipt is a no-op. Returns how many flags flipped.
func (l *Log) MarkRead(messageIDs []string) int {
	if len(messageIDs) == 0 {
		return 0
	}
	want := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = struct{}{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for i := range l.items {
		if _, ok := want[l.items[i].ID]; ok && !l.items[i].Read {
			l.items[i].Read = true
			n++
		}
	}
	return n
}

// PrependPage inserts an older page at the front of the log, oldest first.
// Ids already present are skipped so a re-fetched page cannot duplicate.
func (l *Log) PrependPage(older []model.Message) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	fresh := make([]model.Message, 0, len(older))
	for _, m := range older {
		if m.ConversationID != l.conversationID {
			continue
		}
		if l.indexOf(m.ID) < 0 {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) == 0 {
		return 0
	}
	l.items = append(fresh, l.items...)
	return len(fresh)
}

// Messages returns a snapshot copy in display order.
func (l *Log) Messages() []model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Message, len(l.items))
	copy(out, l.items)
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// caller must hold l.mu
func (l *Log) indexOf(id string) int {
	for i := range l.items {
		if l.items[i].ID == id {
			return i
		}
	}
	return -1
}
