package model

// Sender roles. The product has exactly two sides of a conversation.
const (
	RoleUser    = "user"
	RoleTrainer = "trainer"
)

// Message 会话消息。服务端分配的 id 为权威；本地乐观消息用 tmp- 前缀的临时 id。
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	SenderRole     string `json:"senderRole"` // user | trainer
	Content        string `json:"content"`
	Read           bool   `json:"read"`
	Timestamp      int64  `json:"timestamp"` // epoch millis
}

// ConversationSummary 会话列表条目（带未读数与最后一条预览）。
type ConversationSummary struct {
	ID          string   `json:"id"`
	UserID      string   `json:"userId"`
	TrainerID   string   `json:"trainerId"`
	UnreadCount int      `json:"unreadCount"`
	LastMessage *Message `json:"lastMessage,omitempty"`
}

// PageMeta 分页元数据（倒序分页：page=1 为最新一页）。
type PageMeta struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

type MessagePage struct {
	Items []Message `json:"items"`
	PageMeta
}

type ConversationPage struct {
	Items []ConversationSummary `json:"items"`
	PageMeta
}

// MarkReadResult PUT mark-read 的响应。
type MarkReadResult struct {
	Updated   int   `json:"updated"`
	Timestamp int64 `json:"timestamp"`
}

// UnreadSummary 聚合未读数。
type UnreadSummary struct {
	Total           int            `json:"total"`
	PerConversation map[string]int `json:"perConversation"`
}

// TypingState 短暂的输入中状态，不落库。conversationId 之外还带发起者，
// 消费侧据此做回声抑制。
type TypingState struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}
