package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"FitProject/module/chat/model"
	"FitProject/tools/errs"
	"FitProject/tools/ids"
)

// fakeAPI 内存版 MessageAPI：可注入错误、可阻塞 Send、记录 mark-read 调用。
type fakeAPI struct {
	mu       sync.Mutex
	pages    map[int]*model.MessagePage
	pagesErr error
	sendErr  error
	sendGate chan struct{} // 非 nil 时 Send 阻塞到该通道关闭
	seq      int
	marked   []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{pages: map[int]*model.MessagePage{}}
}

func (a *fakeAPI) Messages(_ context.Context, _ string, page, limit int, _ string) (*model.MessagePage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pagesErr != nil {
		return nil, a.pagesErr
	}
	if p, ok := a.pages[page]; ok {
		return p, nil
	}
	return &model.MessagePage{PageMeta: model.PageMeta{Page: page, Limit: limit}}, nil
}

func (a *fakeAPI) Send(_ context.Context, conversationID, content, role string) (*model.Message, error) {
	a.mu.Lock()
	gate := a.sendGate
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return nil, a.sendErr
	}
	a.seq++
	return &model.Message{
		ID:             fmt.Sprintf("m_%d", a.seq),
		ConversationID: conversationID,
		SenderID:       "u_1001",
		SenderRole:     role,
		Content:        content,
		Timestamp:      time.Now().UnixMilli(),
	}, nil
}

func (a *fakeAPI) MarkRead(_ context.Context, _ string, messageIDs []string, _ string) (*model.MarkReadResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.marked = append(a.marked, messageIDs...)
	return &model.MarkReadResult{Updated: len(messageIDs)}, nil
}

func (a *fakeAPI) markedIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.marked))
	copy(out, a.marked)
	return out
}

func serverMsg(id, conv, sender, content string, ts int64) model.Message {
	return model.Message{
		ID: id, ConversationID: conv, SenderID: sender,
		SenderRole: model.RoleTrainer, Content: content, Timestamp: ts,
	}
}

func openTestSession(ch *fakeChannel, api MessageAPI, hooks Hooks) *ChatSession {
	return OpenSession(ch, api, SessionConf{
		ConversationID: "C123",
		UserID:         "u_1001",
		Role:           model.RoleUser,
		PageLimit:      2,
		Typing:         TypingConf{IdleTimeout: time.Hour, PeerTimeout: -1},
	}, hooks)
}

func TestOpenJoinsRoomAndCloseTearsDown(t *testing.T) {
	ch := newFakeChannel(true)
	s := openTestSession(ch, newFakeAPI(), Hooks{})

	if n := ch.countEvent(EventJoinConversation); n != 1 {
		t.Fatalf("join emitted %d times, want 1", n)
	}

	s.Close()
	s.Close() // 幂等
	if n := ch.countEvent(EventLeaveConversation); n != 1 {
		t.Fatalf("leave emitted %d times, want 1", n)
	}

	// 订阅已撤销：关屏后的下行不再进日志
	ch.push(EventNewMessage, serverMsg("m_9", "C123", "t_2001", "late", 9))
	time.Sleep(20 * time.Millisecond)
	if len(s.Messages()) != 0 {
		t.Fatalf("closed session still consumed a frame")
	}
}

func TestSendConfirmsOptimisticEntryInPlace(t *testing.T) {
	ch := newFakeChannel(true)
	api := newFakeAPI()

	var appended []model.Message
	s := openTestSession(ch, api, Hooks{
		OnAppend: func(m model.Message) { appended = append(appended, m) },
	})
	defer s.Close()

	if err := s.Send(context.Background(), "see you at 6"); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := s.Messages()
	if len(got) != 1 {
		t.Fatalf("log has %d messages, want 1", len(got))
	}
	if got[0].ID != "m_1" || ids.IsTempMessageID(got[0].ID) {
		t.Fatalf("id = %q, want server id", got[0].ID)
	}
	if len(appended) != 1 || !ids.IsTempMessageID(appended[0].ID) {
		t.Fatalf("append hook = %+v, want one optimistic entry", appended)
	}
}

func TestSendWorksWithChannelDown(t *testing.T) {
	// 通道断着但 REST 可达：乐观条目照常出现并被服务端消息原位替换
	ch := newFakeChannel(false)
	api := newFakeAPI()
	s := openTestSession(ch, api, Hooks{})
	defer s.Close()

	if err := s.Send(context.Background(), "Hello"); err != nil {
		t.Fatalf("send over rest with channel down: %v", err)
	}
	got := s.Messages()
	if len(got) != 1 || got[0].ID != "m_1" {
		t.Fatalf("log = %+v, want single confirmed m_1", got)
	}
}

func TestSendRejectsBlankContent(t *testing.T) {
	ch := newFakeChannel(true)
	s := openTestSession(ch, newFakeAPI(), Hooks{})
	defer s.Close()

	if err := s.Send(context.Background(), "   "); !errs.ErrArgs.Is(err) {
		t.Fatalf("blank send = %v, want args error", err)
	}
	if len(s.Messages()) != 0 {
		t.Fatalf("blank content reached the log")
	}
}

func TestSendFailureRollsBackAndRestoresComposer(t *testing.T) {
	ch := newFakeChannel(true)
	api := newFakeAPI()
	api.sendErr = errors.New("gateway 502")

	var restored string
	var failErr error
	var notices []string
	s := openTestSession(ch, api, Hooks{
		OnSendFailed: func(content string, err error) {
			restored = content
			failErr = err
		},
		OnNotice: func(text string) { notices = append(notices, text) },
	})
	defer s.Close()

	err := s.Send(context.Background(), "did this go through?")
	if !errs.ErrSendFailed.Is(err) {
		t.Fatalf("send = %v, want send-failed", err)
	}
	if len(s.Messages()) != 0 {
		t.Fatalf("optimistic entry survived a failed send: %+v", s.Messages())
	}
	if restored != "did this go through?" {
		t.Fatalf("restored = %q", restored)
	}
	if failErr == nil {
		t.Fatalf("failure hook got nil error")
	}
	if len(notices) != 1 {
		t.Fatalf("notices = %v, want one", notices)
	}
}

func TestInboundFilteredByConversation(t *testing.T) {
	ch := newFakeChannel(true)
	api := newFakeAPI()
	s := openTestSession(ch, api, Hooks{})
	defer s.Close()

	ch.push(EventNewMessage, serverMsg("m_1", "C123", "t_2001", "for this screen", 1))
	ch.push(EventNewMessage, serverMsg("m_2", "C999", "t_2001", "someone else's", 2))

	got := s.Messages()
	if len(got) != 1 || got[0].ID != "m_1" {
		t.Fatalf("log = %+v, want only m_1", got)
	}
}

func TestInboundPeerMessageMarkedReadAsync(t *testing.T) {
	ch := newFakeChannel(true)
	api := newFakeAPI()
	s := openTestSession(ch, api, Hooks{})
	defer s.Close()

	ch.push(EventNewMessage, serverMsg("m_7", "C123", "t_2001", "reply", 7))

	if !waitUntil(time.Second, func() bool {
		marked := api.markedIDs()
		return len(marked) == 1 && marked[0] == "m_7"
	}) {
		t.Fatalf("mark-read never fired, marked=%v", api.markedIDs())
	}

	// 重复投递不再触发第二次
	ch.push(EventNewMessage, serverMsg("m_7", "C123", "t_2001", "reply", 7))
	time.Sleep(30 * time.Millisecond)
	if n := len(api.markedIDs()); n != 1 {
		t.Fatalf("duplicate delivery marked read %d times", n)
	}
}

func TestOwnEchoResolvesPendingSend(t *testing.T) {
	ch := newFakeChannel(true)
	api := newFakeAPI()
	gate := make(chan struct{})
	api.sendGate = gate

	s := openTestSession(ch, api, Hooks{})
	defer s.Close()

	done := make(chan error, 1)
	go func() { done <- s.Send(context.Background(), "hello") }()

	// POST 还没返回时广播回声先到
	if !waitUntil(time.Second, func() bool { return len(s.Messages()) == 1 }) {
		t.Fatalf("optimistic entry missing")
	}
	ch.push(EventNewMessage, model.Message{
		ID: "m_1", ConversationID: "C123", SenderID: "u_1001",
		SenderRole: model.RoleUser, Content: "hello", Timestamp: 5,
	})

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}

	got := s.Messages()
	if len(got) != 1 || got[0].ID != "m_1" {
		t.Fatalf("log = %+v, want single m_1", got)
	}
	// 自己的回声不回写已读
	if len(api.markedIDs()) != 0 {
		t.Fatalf("own echo marked read: %v", api.markedIDs())
	}
}

func TestReadReceiptFlipsFlags(t *testing.T) {
	ch := newFakeChannel(true)
	api := newFakeAPI()
	api.pages[1] = &model.MessagePage{
		Items: []model.Message{
			serverMsg("m_1", "C123", "u_1001", "one", 1),
			serverMsg("m_2", "C123", "u_1001", "two", 2),
		},
		PageMeta: model.PageMeta{Page: 1, TotalPages: 1},
	}

	var refreshes int
	s := openTestSession(ch, api, Hooks{
		OnMessages: func() { refreshes++ },
	})
	defer s.Close()

	if err := s.LoadInitial(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	before := refreshes

	ch.push(EventMessagesRead, ReadReceiptBody{
		ConversationID: "C123", MessageIDs: []string{"m_1", "m_2"}, ReadBy: "t_2001",
	})
	got := s.Messages()
	if !got[0].Read || !got[1].Read {
		t.Fatalf("read flags = %v/%v, want true/true", got[0].Read, got[1].Read)
	}
	if refreshes != before+1 {
		t.Fatalf("refresh hook fired %d times after receipt, want 1", refreshes-before)
	}

	// 别的会话的回执不碰本地状态
	ch.push(EventMessagesRead, ReadReceiptBody{
		ConversationID: "C999", MessageIDs: []string{"m_1"}, ReadBy: "t_2001",
	})
	if refreshes != before+1 {
		t.Fatalf("foreign receipt triggered a refresh")
	}
}

func TestLoadOlderPrependsAndStopsAtHistoryEnd(t *testing.T) {
	ch := newFakeChannel(true)
	api := newFakeAPI()
	// 倒序分页：page=1 最新
	api.pages[1] = &model.MessagePage{
		Items: []model.Message{
			serverMsg("m_3", "C123", "t_2001", "three", 3),
			serverMsg("m_4", "C123", "t_2001", "four", 4),
		},
		PageMeta: model.PageMeta{Page: 1, TotalPages: 2},
	}
	api.pages[2] = &model.MessagePage{
		Items: []model.Message{
			serverMsg("m_1", "C123", "t_2001", "one", 1),
			serverMsg("m_2", "C123", "t_2001", "two", 2),
		},
		PageMeta: model.PageMeta{Page: 2, TotalPages: 2},
	}

	s := openTestSession(ch, api, Hooks{})
	defer s.Close()

	if err := s.LoadInitial(context.Background()); err != nil {
		t.Fatalf("initial: %v", err)
	}
	n, err := s.LoadOlder(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("older = (%d, %v), want (2, nil)", n, err)
	}

	got := s.Messages()
	want := []string{"m_1", "m_2", "m_3", "m_4"}
	if len(got) != len(want) {
		t.Fatalf("log has %d messages, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d = %s, want %s", i, got[i].ID, id)
		}
	}

	// 历史取完：不再发请求
	n, err = s.LoadOlder(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("exhausted older = (%d, %v), want (0, nil)", n, err)
	}
}

func TestLoadFailureKeepsExistingMessages(t *testing.T) {
	ch := newFakeChannel(true)
	api := newFakeAPI()
	api.pages[1] = &model.MessagePage{
		Items:    []model.Message{serverMsg("m_1", "C123", "t_2001", "one", 1)},
		PageMeta: model.PageMeta{Page: 1, TotalPages: 3},
	}

	var notices []string
	s := openTestSession(ch, api, Hooks{
		OnNotice: func(text string) { notices = append(notices, text) },
	})
	defer s.Close()

	if err := s.LoadInitial(context.Background()); err != nil {
		t.Fatalf("initial: %v", err)
	}

	api.mu.Lock()
	api.pagesErr = errors.New("gateway timeout")
	api.mu.Unlock()

	if _, err := s.LoadOlder(context.Background()); !errs.ErrAPI.Is(err) {
		t.Fatalf("older = %v, want api error", err)
	}
	if len(s.Messages()) != 1 {
		t.Fatalf("loaded history lost on fetch failure")
	}
	if len(notices) != 1 {
		t.Fatalf("notices = %v, want one", notices)
	}
}

func TestOpenBeforeConnectJoinsOnceChannelIsUp(t *testing.T) {
	// 屏幕先开、通道后连：首次 Join 被跳过，connect 事件要补第一次进房
	ch := newFakeChannel(false)
	s := openTestSession(ch, newFakeAPI(), Hooks{})
	defer s.Close()

	if n := ch.countEvent(EventJoinConversation); n != 0 {
		t.Fatalf("join emitted while disconnected")
	}

	ch.setConnected(true)
	ch.push(EventConnect, nil)
	if n := ch.countEvent(EventJoinConversation); n != 1 {
		t.Fatalf("join emitted %d times after channel connect, want 1", n)
	}

	// 之后的重连按已有房间重发
	ch.push(EventConnect, nil)
	if n := ch.countEvent(EventJoinConversation); n != 2 {
		t.Fatalf("join emitted %d times after reconnect, want 2", n)
	}
}

func TestSendErrorAfterEchoConfirmIsNotAFailure(t *testing.T) {
	ch := newFakeChannel(true)
	api := newFakeAPI()
	gate := make(chan struct{})
	api.sendGate = gate

	var failures int
	s := openTestSession(ch, api, Hooks{
		OnSendFailed: func(string, error) { failures++ },
	})
	defer s.Close()

	done := make(chan error, 1)
	go func() { done <- s.Send(context.Background(), "hello") }()

	if !waitUntil(time.Second, func() bool { return len(s.Messages()) == 1 }) {
		t.Fatalf("optimistic entry missing")
	}
	// 回声先归并掉乐观条目，然后 POST 才报错
	ch.push(EventNewMessage, model.Message{
		ID: "m_1", ConversationID: "C123", SenderID: "u_1001",
		SenderRole: model.RoleUser, Content: "hello", Timestamp: 5,
	})
	api.mu.Lock()
	api.sendErr = errors.New("gateway 502")
	api.mu.Unlock()
	close(gate)

	if err := <-done; err != nil {
		t.Fatalf("send after echo confirm = %v, want nil", err)
	}
	if failures != 0 {
		t.Fatalf("failure hook fired although the echo delivered the message")
	}
	got := s.Messages()
	if len(got) != 1 || got[0].ID != "m_1" {
		t.Fatalf("log = %+v, want single m_1", got)
	}
}

func TestReconnectRejoinsRoom(t *testing.T) {
	ch := newFakeChannel(true)
	s := openTestSession(ch, newFakeAPI(), Hooks{})
	defer s.Close()

	ch.push(EventConnect, nil)
	if n := ch.countEvent(EventJoinConversation); n != 2 {
		t.Fatalf("join emitted %d times, want 2 after reconnect", n)
	}
}

func TestPeerTypingReachesHook(t *testing.T) {
	ch := newFakeChannel(true)
	var states []bool
	var mu sync.Mutex
	s := openTestSession(ch, newFakeAPI(), Hooks{
		OnPeerTyping: func(v bool) {
			mu.Lock()
			states = append(states, v)
			mu.Unlock()
		},
	})
	defer s.Close()

	ch.push(EventUserTyping, model.TypingState{ConversationID: "C123", UserID: "t_2001", IsTyping: true})
	ch.push(EventUserStopTyping, model.TypingState{ConversationID: "C123", UserID: "t_2001", IsTyping: false})

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || !states[0] || states[1] {
		t.Fatalf("peer typing states = %v, want [true false]", states)
	}
	if s.PeerTyping() {
		t.Fatalf("peer flag still set after stop")
	}
}
