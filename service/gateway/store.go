package gateway

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"FitProject/module/chat/model"
)

// Store 开发网关的内存存储。刻意不接任何数据库：它只是客户端核心的
// 协议夹具，进程退出即丢。
type Store struct {
	mu    sync.Mutex
	seq   int64
	convs map[string]*model.ConversationSummary
	msgs  map[string][]model.Message // conversationID -> 按时间正序
}

func NewStore() *Store {
	return &Store{
		convs: make(map[string]*model.ConversationSummary),
		msgs:  make(map[string][]model.Message),
	}
}

// EnsureConversation 幂等建会话。
func (s *Store) EnsureConversation(id, userID, trainerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; ok {
		return
	}
	s.convs[id] = &model.ConversationSummary{ID: id, UserID: userID, TrainerID: trainerID}
}

func (s *Store) HasConversation(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.convs[id]
	return ok
}

// Append 落一条消息并分配服务端 id（m_<n>）与服务端时间戳。
func (s *Store) Append(conversationID, senderID, role, content string) model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	m := model.Message{
		ID:             fmt.Sprintf("m_%d", s.seq),
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderRole:     role,
		Content:        content,
		Read:           false,
		Timestamp:      time.Now().UnixMilli(),
	}
	s.msgs[conversationID] = append(s.msgs[conversationID], m)
	if c, ok := s.convs[conversationID]; ok {
		last := m
		c.LastMessage = &last
	}
	return m
}

// Page 倒序分页：page=1 为最新一段，段内保持时间正序。
func (s *Store) Page(conversationID string, page, limit int) model.MessagePage {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.msgs[conversationID]
	total := len(all)
	totalPages := (total + limit - 1) / limit

	// 从尾部往前数第 page 段
	end := total - (page-1)*limit
	if end < 0 {
		end = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	items := make([]model.Message, end-start)
	copy(items, all[start:end])

	return model.MessagePage{
		Items: items,
		PageMeta: model.PageMeta{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: totalPages,
		},
	}
}

// MarkRead 批量置已读，幂等；返回实际翻转数与时间戳。
func (s *Store) MarkRead(conversationID string, messageIDs []string) (int, int64) {
	want := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	list := s.msgs[conversationID]
	for i := range list {
		if _, ok := want[list[i].ID]; ok && !list[i].Read {
			list[i].Read = true
			n++
		}
	}
	return n, time.Now().UnixMilli()
}

// Conversations 某用户参与的会话（两种角色都算），按 id 排稳定顺序。
func (s *Store) Conversations(userID string, page, limit int) model.ConversationPage {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []model.ConversationSummary
	for _, c := range s.convs {
		if c.UserID != userID && c.TrainerID != userID {
			continue
		}
		cc := *c
		cc.UnreadCount = s.unreadLocked(c.ID, userID)
		all = append(all, cc)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	total := len(all)
	totalPages := (total + limit - 1) / limit
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return model.ConversationPage{
		Items: all[start:end],
		PageMeta: model.PageMeta{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: totalPages,
		},
	}
}

// Unread 聚合未读：对方发的且未读的条数。
func (s *Store) Unread(userID string) model.UnreadSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := model.UnreadSummary{PerConversation: make(map[string]int)}
	for id, c := range s.convs {
		if c.UserID != userID && c.TrainerID != userID {
			continue
		}
		if n := s.unreadLocked(id, userID); n > 0 {
			out.PerConversation[id] = n
			out.Total += n
		}
	}
	return out
}

// caller must hold s.mu
func (s *Store) unreadLocked(conversationID, userID string) int {
	n := 0
	for _, m := range s.msgs[conversationID] {
		if m.SenderID != userID && !m.Read {
			n++
		}
	}
	return n
}
