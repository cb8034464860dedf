package chat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"FitProject/logger"
	chatmsg "FitProject/module/chat/message"
	"FitProject/module/chat/model"
	"FitProject/tools/decode"
	"FitProject/tools/errs"
	"FitProject/tools/safe"
)

// MessageAPI is the request/response collaborator the session consumes.
// *rest.Client satisfies it; tests plug in fakes.
type MessageAPI interface {
	Messages(ctx context.Context, conversationID string, page, limit int, role string) (*model.MessagePage, error)
	Send(ctx context.Context, conversationID, content, role string) (*model.Message, error)
	MarkRead(ctx context.Context, conversationID string, messageIDs []string, role string) (*model.MarkReadResult, error)
}

type SessionConf struct {
	ConversationID string
	UserID         string
	Role           string // model.RoleUser | model.RoleTrainer
	PageLimit      int    // 每页消息数（默认 20）
	Typing         TypingConf
}

func (c *SessionConf) norm() {
	if c.PageLimit <= 0 {
		c.PageLimit = 20
	}
	if c.Role == "" {
		c.Role = model.RoleUser
	}
}

// Hooks 供聊天页挂 UI 反应。全部可选；运输层错误到这里已被消化，
// 只会以回调形式出现，绝不向上抛。
type Hooks struct {
	OnMessages   func()              // 列表内容变化（替换/已读/翻页）
	OnAppend     func(model.Message) // 末尾新增（触发滚动到底部）
	OnPeerTyping func(bool)
	OnSendFailed func(content string, err error) // 乐观条目已移除，content 还原到输入框
	OnNotice     func(text string) // 一次性轻提示
}

// ChatSession wires one open chat screen to the channel: room membership,
// the reconciliation log, typing, and the REST collaborator.
// 生命周期与屏幕一致：OpenSession 注册订阅并进房，Close 全部撤销。
type ChatSession struct {
	conf  SessionConf
	ch    Channel
	api   MessageAPI
	hooks Hooks

	room   *RoomSession
	log    *chatmsg.Log
	typing *TypingCoordinator

	mu       sync.Mutex
	nextPage int
	total    int // totalPages from the last fetch; 0 = unknown
	closed   bool
	offs     []func()
}

func OpenSession(ch Channel, api MessageAPI, conf SessionConf, hooks Hooks) *ChatSession {
	safe.MustNotNil(ch, "chat.OpenSession channel")
	safe.MustNotNil(api, "chat.OpenSession api")
	conf.norm()

	s := &ChatSession{
		conf:     conf,
		ch:       ch,
		api:      api,
		hooks:    hooks,
		room:     NewRoomSession(ch),
		log:      chatmsg.NewLog(conf.ConversationID),
		nextPage: 1,
	}
	s.typing = NewTypingCoordinator(ch, conf.ConversationID, conf.UserID, conf.Typing, hooks.OnPeerTyping)

	s.offs = append(s.offs,
		ch.On(EventNewMessage, s.onNewMessage),
		ch.On(EventMessagesRead, s.onMessagesRead),
		ch.On(EventUserTyping, s.onUserTyping),
		ch.On(EventUserStopTyping, s.onUserTyping),
		ch.On(EventJoinedConversation, s.onJoined),
		ch.On(EventConnect, s.onConnected),
	)
	s.room.Join(conf.ConversationID, conf.Role)
	return s
}

// Close 撤订阅、退房、冲掉挂起的 typing。幂等。
func (s *ChatSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	offs := s.offs
	s.offs = nil
	s.mu.Unlock()

	s.typing.Stop()
	s.room.Leave(s.conf.ConversationID)
	for _, off := range offs {
		off()
	}
}

// ===== 出站 =====

// Send runs the optimistic protocol: append locally first, POST, then
// confirm in place or roll back and hand the text back to the composer.
func (s *ChatSession) Send(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return errs.ErrArgs.WrapMsg("empty message content")
	}

	opt := s.log.AppendOptimistic(s.conf.UserID, s.conf.Role, content, time.Now())
	s.notifyAppend(opt)

	confirmed, err := s.api.Send(ctx, s.conf.ConversationID, content, s.conf.Role)
	if err != nil {
		restored, ok := s.log.FailSend(opt.ID)
		if !ok {
			// 广播回声先于 POST 的错误响应归并掉了乐观条目：
			// 消息实际已送达，不按失败处理
			logger.Debugf("[session] send error after echo confirm: %v", err)
			return nil
		}
		s.notifyMessages()
		if s.hooks.OnSendFailed != nil {
			s.hooks.OnSendFailed(restored, err)
		}
		s.notice("message not sent")
		return errs.ErrSendFailed.WrapMsg("post message", "conversation", s.conf.ConversationID, "err", err)
	}

	s.log.ConfirmSend(opt.ID, *confirmed)
	s.notifyMessages()
	return nil
}

// Keystroke 输入框每次击键转发给 typing 协调器。
func (s *ChatSession) Keystroke() { s.typing.Keystroke() }

// ===== 拉取 =====

// LoadInitial fetches the newest page into the empty log.
func (s *ChatSession) LoadInitial(ctx context.Context) error {
	_, err := s.loadPage(ctx, 1)
	return err
}

// LoadOlder fetches the next older page and prepends it. Returns the number
// of messages added; (0, nil) once the history is exhausted.
func (s *ChatSession) LoadOlder(ctx context.Context) (int, error) {
	s.mu.Lock()
	page := s.nextPage
	total := s.total
	s.mu.Unlock()
	if total > 0 && page > total {
		return 0, nil
	}
	return s.loadPage(ctx, page)
}

func (s *ChatSession) loadPage(ctx context.Context, page int) (int, error) {
	res, err := s.api.Messages(ctx, s.conf.ConversationID, page, s.conf.PageLimit, s.conf.Role)
	if err != nil {
		// 已加载的部分保留，只发轻提示
		s.notice("could not load messages")
		return 0, errs.ErrAPI.WrapMsg("fetch page", "page", page, "err", err)
	}

	n := s.log.PrependPage(res.Items)

	s.mu.Lock()
	s.total = res.TotalPages
	if page >= s.nextPage {
		s.nextPage = page + 1
	}
	s.mu.Unlock()

	if n > 0 {
		s.notifyMessages()
	}
	return n, nil
}

// ===== 状态读取 =====

func (s *ChatSession) Messages() []model.Message { return s.log.Messages() }
func (s *ChatSession) PeerTyping() bool          { return s.typing.PeerTyping() }
func (s *ChatSession) ConversationID() string    { return s.conf.ConversationID }

// ===== 入站路由 =====

func (s *ChatSession) onNewMessage(data json.RawMessage) {
	msgs, err := DecodeMessages(data)
	if err != nil {
		logger.Warnf("[session] drop new_message: %v", err)
		return
	}
	for _, m := range msgs {
		// 只收当前屏幕的会话；别的房间迟到的帧静默丢弃
		if m.ConversationID != s.conf.ConversationID {
			continue
		}
		if !s.log.ApplyInbound(m, s.conf.UserID) {
			continue // duplicate delivery
		}
		s.notifyAppend(m)
		if m.SenderID != s.conf.UserID {
			s.markReadAsync(m.ID)
		}
	}
}

func (s *ChatSession) onMessagesRead(data json.RawMessage) {
	b, err := decode.JSONInto[ReadReceiptBody](data)
	if err != nil {
		logger.Warnf("[session] drop messages_read: %v", err)
		return
	}
	if b.ConversationID != s.conf.ConversationID {
		return
	}
	if s.log.MarkRead(b.MessageIDs) > 0 {
		s.notifyMessages()
	}
}

func (s *ChatSession) onUserTyping(data json.RawMessage) {
	st, err := decode.JSONInto[model.TypingState](data)
	if err != nil {
		logger.Warnf("[session] drop typing event: %v", err)
		return
	}
	s.typing.HandleInbound(*st)
}

func (s *ChatSession) onJoined(data json.RawMessage) {
	ack, err := decode.JSONInto[JoinedAck](data)
	if err != nil {
		logger.Debugf("[session] unreadable joined ack: %v", err)
		return
	}
	logger.Debugf("[session] joined %s ts=%d", ack.ConversationID, ack.TS)
}

// onConnected 连接建立后补进房（服务端的房间成员不跨连接保留）。
// 开屏早于通道就绪时首次 Join 被跳过、房间为空，这里补第一次 Join；
// 已有房间则按重连处理重发。
func (s *ChatSession) onConnected(json.RawMessage) {
	if s.room.Current() == "" {
		s.room.Join(s.conf.ConversationID, s.conf.Role)
		return
	}
	s.room.Rejoin()
}

// markReadAsync fires the mark-as-read request without blocking inbound
// delivery. Failure is a quiet retry-on-next-message situation, not a
// user-facing error.
func (s *ChatSession) markReadAsync(messageID string) {
	safe.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.api.MarkRead(ctx, s.conf.ConversationID, []string{messageID}, s.conf.Role); err != nil {
			logger.Debugf("[session] mark read %s failed: %v", messageID, err)
		}
	})
}

// ===== hook helpers =====

func (s *ChatSession) notifyMessages() {
	if s.hooks.OnMessages != nil {
		s.hooks.OnMessages()
	}
}

func (s *ChatSession) notifyAppend(m model.Message) {
	s.notifyMessages()
	if s.hooks.OnAppend != nil {
		s.hooks.OnAppend(m)
	}
}

func (s *ChatSession) notice(text string) {
	if s.hooks.OnNotice != nil {
		s.hooks.OnNotice(text)
	}
}
