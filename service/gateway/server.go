package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"FitProject/logger"
	chat "FitProject/service/chat"
	"FitProject/tools/decode"
	"FitProject/tools/ids"
	"FitProject/tools/security"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server 开发用 mock 网关：REST 协作方 + 实时通道，协议与生产网关一致。
// 客户端核心的集成测试跑在它上面。
type Server struct {
	store   *Store
	hub     *Hub
	jwtOpts security.Options
	engine  *gin.Engine
}

func NewServer(jwtSecret []byte) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		store:   NewStore(),
		hub:     NewHub(),
		jwtOpts: security.DefaultOptions(jwtSecret),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) Store() *Store { return s.store }

// Handler 暴露 http.Handler，便于 httptest 挂载。
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) Run(addr string) error {
	logger.Infof("[gateway] listening on %s", addr)
	return s.engine.Run(addr)
}

// IssueToken 给开发/测试签发凭证。
func (s *Server) IssueToken(userID, role string, ttl time.Duration) (string, error) {
	opts := s.jwtOpts
	if ttl > 0 {
		opts.TTL = ttl
	}
	token, _, err := security.Generate(opts, userID, role)
	return token, err
}

// ===== 路由 =====

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api/v1", s.authRequired)
	{
		api.GET("/users/:userId/conversations", s.handleConversations)
		api.GET("/conversations/:id/messages", s.handleMessages)
		api.POST("/conversations/:id/messages", s.handleSend)
		api.PUT("/conversations/:id/read", s.handleMarkRead)
		api.GET("/messages/unread-count", s.handleUnread)
	}
	r.GET("/ws", s.handleWS)
	return r
}

// authRequired 校验 bearer 并把身份放进 gin context。
func (s *Server) authRequired(c *gin.Context) {
	token, ok := security.BearerFrom(c.GetHeader("Authorization"))
	if !ok {
		fail(c, http.StatusUnauthorized, "missing bearer token")
		return
	}
	claims, err := security.Verify(s.jwtOpts, token)
	if err != nil {
		fail(c, http.StatusUnauthorized, "invalid bearer token")
		return
	}
	c.Set("userID", claims.UserID)
	c.Set("role", claims.Role)
	c.Next()
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "ok", "data": data})
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"code": status, "msg": msg})
}

// ===== REST handlers =====

func (s *Server) handleConversations(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	ok(c, s.store.Conversations(c.Param("userId"), page, limit))
}

func (s *Server) handleMessages(c *gin.Context) {
	convID := c.Param("id")
	if !s.store.HasConversation(convID) {
		fail(c, http.StatusNotFound, "conversation not found")
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	ok(c, s.store.Page(convID, page, limit))
}

func (s *Server) handleSend(c *gin.Context) {
	convID := c.Param("id")
	if !s.store.HasConversation(convID) {
		fail(c, http.StatusNotFound, "conversation not found")
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Content == "" {
		fail(c, http.StatusBadRequest, "content required")
		return
	}
	role := c.DefaultQuery("role", c.GetString("role"))
	m := s.store.Append(convID, c.GetString("userID"), role, body.Content)

	// 推给房间在线成员（含发送者自己的连接，客户端按回声归并）
	s.broadcastFrame(convID, chat.EventNewMessage, m)
	ok(c, m)
}

func (s *Server) handleMarkRead(c *gin.Context) {
	convID := c.Param("id")
	if !s.store.HasConversation(convID) {
		fail(c, http.StatusNotFound, "conversation not found")
		return
	}
	var body struct {
		MessageIDs []string `json:"messageIds"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, "messageIds required")
		return
	}
	n, ts := s.store.MarkRead(convID, body.MessageIDs)
	if n > 0 {
		s.broadcastFrame(convID, chat.EventMessagesRead, chat.ReadReceiptBody{
			ConversationID: convID,
			MessageIDs:     body.MessageIDs,
			ReadBy:         c.GetString("userID"),
		})
	}
	ok(c, gin.H{"updated": n, "timestamp": ts})
}

func (s *Server) handleUnread(c *gin.Context) {
	ok(c, s.store.Unread(c.GetString("userID")))
}

// ===== WebSocket =====

// handleWS 先验凭证再升级：缺失/非法 bearer 在握手阶段就给 401，
// 对应客户端的 connect_error 失败路径。
func (s *Server) handleWS(c *gin.Context) {
	token, okTok := security.BearerFrom(c.GetHeader("Authorization"))
	if !okTok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	claims, err := security.Verify(s.jwtOpts, token)
	if err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[gateway] upgrade failed: %v", err)
		return
	}

	cl := &wsClient{
		id:     ids.GenerateString(),
		userID: claims.UserID,
		role:   claims.Role,
		conn:   ws,
		send:   make(chan []byte, 64),
	}
	s.hub.add(cl)
	go cl.writePump()
	logger.Infof("[gateway] channel open user=%s id=%s", cl.userID, cl.id)

	// ---- 读循环：只读；出错即摘除 ----
	for {
		_, data, rerr := ws.ReadMessage()
		if rerr != nil {
			logger.Infof("[gateway] channel closed user=%s id=%s err=%v", cl.userID, cl.id, rerr)
			break
		}
		f, perr := chat.ParseFrame(data)
		if perr != nil {
			logger.Warnf("[gateway] bad frame from user=%s: %v", cl.userID, perr)
			continue
		}
		s.dispatch(cl, f)
	}
	s.hub.remove(cl)
}

func (s *Server) dispatch(cl *wsClient, f *chat.Frame) {
	switch f.Event {
	case chat.EventJoinConversation:
		var convID string
		if err := json.Unmarshal(f.Data, &convID); err != nil || convID == "" {
			logger.Warnf("[gateway] join without conversation id from user=%s", cl.userID)
			return
		}
		s.hub.join(cl, convID)
		ackFrame, _ := chat.EncodeFrame(chat.EventJoinedConversation, chat.JoinedAck{
			ConversationID: convID,
			TS:             time.Now().UnixMilli(),
		})
		cl.enqueue(ackFrame)

	case chat.EventLeaveConversation:
		var convID string
		if err := json.Unmarshal(f.Data, &convID); err != nil || convID == "" {
			return
		}
		s.hub.leave(cl, convID)

	case chat.EventSendMessage:
		body, err := decode.JSONInto[chat.SendMessageBody](f.Data)
		if err != nil || body.ConversationID == "" || body.Content == "" {
			logger.Warnf("[gateway] bad send_message from user=%s: %v", cl.userID, err)
			return
		}
		if !s.store.HasConversation(body.ConversationID) {
			return
		}
		m := s.store.Append(body.ConversationID, cl.userID, body.Role, body.Content)
		s.broadcastFrame(body.ConversationID, chat.EventNewMessage, m)

	case chat.EventTyping, chat.EventStopTyping:
		body, err := decode.JSONInto[chat.TypingBody](f.Data)
		if err != nil || body.ConversationID == "" {
			return
		}
		out := chat.EventUserTyping
		if f.Event == chat.EventStopTyping {
			out = chat.EventUserStopTyping
		}
		s.broadcastFrame(body.ConversationID, out, map[string]any{
			"conversationId": body.ConversationID,
			"userId":         cl.userID,
			"isTyping":       f.Event == chat.EventTyping,
		})

	case chat.EventMarkRead:
		body, err := decode.JSONInto[chat.MarkReadBody](f.Data)
		if err != nil || body.ConversationID == "" {
			return
		}
		if n, _ := s.store.MarkRead(body.ConversationID, body.MessageIDs); n > 0 {
			s.broadcastFrame(body.ConversationID, chat.EventMessagesRead, chat.ReadReceiptBody{
				ConversationID: body.ConversationID,
				MessageIDs:     body.MessageIDs,
				ReadBy:         cl.userID,
			})
		}

	default:
		logger.Debugf("[gateway] ignore event %q from user=%s", f.Event, cl.userID)
	}
}

func (s *Server) broadcastFrame(conversationID, event string, payload any) {
	data, err := chat.EncodeFrame(event, payload)
	if err != nil {
		logger.Errorf("[gateway] encode %s: %v", event, err)
		return
	}
	s.hub.broadcast(conversationID, data)
}
