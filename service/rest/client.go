package rest

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"FitProject/module/chat/model"
	"FitProject/tools/errs"
)

// ===== 配置 =====

type Config struct {
	BaseURL string
	Token   func() string // bearer 凭证提供者；与实时通道共用
	Timeout time.Duration // 整请求超时（默认 10s）
}

func (c *Config) norm() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Token == nil {
		c.Token = func() string { return "" }
	}
}

// envelope 服务端统一响应包裹：{"code":0,"msg":"ok","data":...}
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Client 聊天 REST 协作方的瘦封装。实时通道负责推送，这里负责
// 分页拉取、发消息、标已读、未读数等请求/响应调用。
type Client struct {
	http *resty.Client
}

func NewClient(cfg Config) *Client {
	cfg.norm()
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	rc.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		if tok := cfg.Token(); tok != "" {
			req.SetHeader("Authorization", "Bearer "+tok)
		}
		return nil
	})
	return &Client{http: rc}
}

// Conversations 会话列表（带未读数与最后一条预览）。
func (c *Client) Conversations(ctx context.Context, userID string, page, limit int, role string) (*model.ConversationPage, error) {
	out := &model.ConversationPage{}
	err := c.get(ctx, "/api/v1/users/"+userID+"/conversations", pageQuery(page, limit, role), out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Messages 倒序分页拉取消息：page=1 为最新一页，页内按时间正序。
func (c *Client) Messages(ctx context.Context, conversationID string, page, limit int, role string) (*model.MessagePage, error) {
	out := &model.MessagePage{}
	err := c.get(ctx, "/api/v1/conversations/"+conversationID+"/messages", pageQuery(page, limit, role), out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Send 发消息，返回服务端权威 Message（服务端 id、服务端时间戳）。
func (c *Client) Send(ctx context.Context, conversationID, content, role string) (*model.Message, error) {
	out := &model.Message{}
	err := c.do(ctx, resty.MethodPost, "/api/v1/conversations/"+conversationID+"/messages",
		map[string]string{"role": role},
		map[string]string{"content": content},
		out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead 批量标已读。
func (c *Client) MarkRead(ctx context.Context, conversationID string, messageIDs []string, role string) (*model.MarkReadResult, error) {
	out := &model.MarkReadResult{}
	err := c.do(ctx, resty.MethodPut, "/api/v1/conversations/"+conversationID+"/read",
		map[string]string{"role": role},
		map[string]any{"messageIds": messageIDs},
		out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UnreadCount 聚合未读数（总数 + 按会话）。
func (c *Client) UnreadCount(ctx context.Context) (*model.UnreadSummary, error) {
	out := &model.UnreadSummary{}
	err := c.get(ctx, "/api/v1/messages/unread-count", nil, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ===== 底层 =====

func (c *Client) get(ctx context.Context, path string, query map[string]string, out any) error {
	return c.do(ctx, resty.MethodGet, path, query, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, query map[string]string, body, out any) error {
	req := c.http.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return errs.ErrAPI.WrapMsg("request", "method", method, "path", path, "err", err)
	}
	if resp.IsError() {
		return apiError(method, path, resp)
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return errs.ErrAPI.WrapMsg("bad envelope", "method", method, "path", path, "err", err)
	}
	if env.Code != 0 {
		return errs.ErrAPI.WrapMsg("server code", "method", method, "path", path,
			"code", env.Code, "msg", env.Msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return errs.ErrAPI.WrapMsg("bad data", "method", method, "path", path, "err", err)
		}
	}
	return nil
}

func apiError(method, path string, resp *resty.Response) error {
	// 错误响应也是 envelope，尽力取出业务 msg
	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err == nil && env.Msg != "" {
		return errs.ErrAPI.WrapMsg("http "+resp.Status(), "method", method, "path", path, "msg", env.Msg)
	}
	return errs.ErrAPI.WrapMsg("http "+resp.Status(), "method", method, "path", path)
}

func pageQuery(page, limit int, role string) map[string]string {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	q := map[string]string{
		"page":  strconv.Itoa(page),
		"limit": strconv.Itoa(limit),
	}
	if role != "" {
		q["role"] = role
	}
	return q
}
