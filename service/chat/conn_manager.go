package chat

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"FitProject/logger"
	"FitProject/tools/errs"
	"FitProject/tools/safe"
	"FitProject/tools/security"
)

// ===== 配置 =====

type ManagerConf struct {
	URL   string        // 通道地址 ws://.../ws
	Token func() string // bearer 凭证提供者；空串表示当前未登录

	HandshakeTimeout time.Duration // 单次握手超时（默认 20s）
	MaxRetry         int           // 自动重连次数上限（默认 5）
	BackoffMin       time.Duration // 首次退避（默认 1s），每次翻倍
	BackoffMax       time.Duration // 退避上限（默认 5s）
	SendQueue        int           // 每连接发送队列长度（默认 256）
	WriteDeadline    time.Duration // 单帧写超时（默认 5s）

	Dialer *websocket.Dialer // 可注入（单测用）；nil => DefaultDialer
	Clock  func() time.Time  // 可注入时钟（单测用）；nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 20 * time.Second
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 5
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.WriteDeadline <= 0 {
		c.WriteDeadline = 5 * time.Second
	}
	if c.Dialer == nil {
		d := *websocket.DefaultDialer
		c.Dialer = &d
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// ===== 连接管理器 =====

// ConnManager owns the one persistent channel of a logged-in session.
// 它独占 websocket 句柄：读写各一条泵协程，其余组件只经过 Emit/On。
// 生命周期：登录时 Connect，登出时 Disconnect；对象本身跨页面存活。
type ConnManager struct {
	conf    ManagerConf
	emitter *Emitter

	mu       sync.Mutex
	state    State
	lastErr  error
	conn     *websocket.Conn
	sendCh   chan []byte
	stopCh   chan struct{} // 整个连接生命周期（Disconnect 关闭）
	connStop chan struct{} // 当前这条物理连接（掉线/重拨时关闭）
	gen      int           // 连接代数，隔离旧泵协程的迟到回调
	dialing  bool
}

func NewConnManager(conf ManagerConf) *ConnManager {
	conf.norm()
	safe.MustNotNil(conf.Token, "ManagerConf.Token")
	return &ConnManager{
		conf:    conf,
		emitter: NewEmitter(),
	}
}

func (m *ConnManager) On(event string, fn HandlerFunc) (off func()) {
	return m.emitter.On(event, fn)
}

func (m *ConnManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

func (m *ConnManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ConnManager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connect 幂等：已连接或正在拨号时为空操作。没有凭证时不视为错误，
// 停留在 disconnected，由上层在登录后再次调用。
func (m *ConnManager) Connect() {
	m.mu.Lock()
	if m.dialing || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	token := m.conf.Token()
	if token == "" {
		m.state = StateDisconnected
		m.mu.Unlock()
		logger.Warn("[conn] no bearer credential, staying disconnected")
		return
	}
	if security.Expired(token, m.conf.Clock()) {
		// 过期凭证不值得消耗一轮握手，直接走 connect_error 通道，
		// 由上层刷新凭证后重试 Connect。
		m.state = StateError
		m.lastErr = errs.ErrTokenInvalid.WrapMsg("token expired before dial")
		m.mu.Unlock()
		logger.Warn("[conn] bearer credential expired, not dialing")
		m.emitLocal(EventConnectError, ConnErrorBody{Message: errs.ErrTokenInvalid.Msg})
		return
	}
	m.gen++
	gen := m.gen
	m.dialing = true
	m.state = StateConnecting
	stop := make(chan struct{})
	m.stopCh = stop
	m.mu.Unlock()

	safe.Go(func() { m.dialLoop(gen, stop) })
}

// Disconnect 拆除通道并释放句柄；幂等。
func (m *ConnManager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
	if m.connStop != nil {
		close(m.connStop)
		m.connStop = nil
	}
	conn := m.conn
	m.conn = nil
	m.sendCh = nil
	wasConnected := m.state == StateConnected
	m.dialing = false
	m.state = StateDisconnected
	m.lastErr = nil
	m.mu.Unlock()

	closeQuiet(conn)
	if wasConnected {
		m.emitLocal(EventDisconnect, nil)
	}
}

// Emit 序列化并投入当前连接的发送队列。未连接时返回 ErrNotConnected，
// 队列打满返回 ErrSendQueue（写泵卡死的保护，不阻塞调用方）。
func (m *ConnManager) Emit(event string, payload any) error {
	data, err := EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.state != StateConnected || m.sendCh == nil {
		m.mu.Unlock()
		return errs.ErrNotConnected.WrapMsg("emit", "event", event)
	}
	ch := m.sendCh
	m.mu.Unlock()

	select {
	case ch <- data:
		return nil
	default:
		return errs.ErrSendQueue.WrapMsg("emit", "event", event)
	}
}

// ===== 拨号与重连 =====

func (m *ConnManager) dialLoop(gen int, stop chan struct{}) {
	backoff := m.conf.BackoffMin

	for attempt := 1; attempt <= m.conf.MaxRetry; attempt++ {
		select {
		case <-stop:
			return
		default:
		}

		// 每次重试重新取凭证：中途刷新的 token 能被捡起来
		token := m.conf.Token()
		if token == "" {
			m.mu.Lock()
			m.lastErr = errs.ErrTokenEmpty.WrapMsg("credential gone mid-retry")
			m.mu.Unlock()
			m.finishDial(gen, StateDisconnected)
			logger.Warn("[conn] credential gone mid-retry, giving up")
			return
		}

		dialer := *m.conf.Dialer
		dialer.HandshakeTimeout = m.conf.HandshakeTimeout
		hdr := http.Header{}
		hdr.Set("Authorization", "Bearer "+token)

		conn, resp, err := dialer.Dial(m.conf.URL, hdr)
		if err == nil {
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			if !m.attach(gen, conn) {
				closeQuiet(conn) // 期间被 Disconnect 了
			}
			return
		}

		status := 0
		if resp != nil {
			status = resp.StatusCode
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
		}
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		logger.Warnf("[conn] dial attempt %d/%d failed: status=%d err=%v",
			attempt, m.conf.MaxRetry, status, err)

		if attempt < m.conf.MaxRetry {
			select {
			case <-stop:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > m.conf.BackoffMax {
				backoff = m.conf.BackoffMax
			}
		}
	}

	// 次数用尽：状态落在 error，Session 对象保留，之后显式 Connect 可再试
	m.finishDial(gen, StateError)
	m.mu.Lock()
	lastErr := m.lastErr
	m.mu.Unlock()
	m.emitLocal(EventConnectError, ConnErrorBody{Message: errString(lastErr)})
}

// finishDial 结束一轮拨号并落状态；gen 不匹配说明已被新一轮取代。
func (m *ConnManager) finishDial(gen int, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	m.dialing = false
	m.state = s
}

func (m *ConnManager) attach(gen int, conn *websocket.Conn) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	m.dialing = false
	m.state = StateConnected
	m.lastErr = nil
	sendCh := make(chan []byte, m.conf.SendQueue)
	m.sendCh = sendCh
	connStop := make(chan struct{})
	m.connStop = connStop
	m.mu.Unlock()

	safe.Go(func() { m.readPump(gen, conn) })
	safe.Go(func() { m.writePump(conn, sendCh, connStop) })

	logger.Infof("[conn] channel established remote=%v", conn.RemoteAddr())
	m.emitLocal(EventConnect, nil)
	return true
}

// ---- 读循环：只读，不写；出错即进入重连 ----
func (m *ConnManager) readPump(gen int, conn *websocket.Conn) {
	for {
		_, data, rerr := conn.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[conn] peer closed: %v", rerr)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[conn] read timeout: %v", rerr)
			} else {
				logger.Infof("[conn] read err: %v", rerr)
			}
			m.handleDropped(gen, rerr)
			return
		}

		f, perr := ParseFrame(data)
		if perr != nil {
			// 只打印简短样本
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Warnf("[conn] bad frame err=%v sample=%q len=%d", perr, sample, len(data))
			continue
		}
		m.emitter.Emit(f.Event, f.Data)
	}
}

func (m *ConnManager) writePump(conn *websocket.Conn, sendCh chan []byte, connStop chan struct{}) {
	for {
		select {
		case <-connStop:
			return
		case data := <-sendCh:
			if err := writeText(conn, data, m.conf.WriteDeadline); err != nil {
				logger.Warnf("[conn] write failed: %v", err)
				m.emitLocal(EventError, ConnErrorBody{Message: err.Error()})
				// 半死连接上读泵可能长时间无感知；关掉句柄让它
				// 立刻出错并走掉线重连
				closeQuiet(conn)
				return
			}
		}
	}
}

// handleDropped 掉线处理：同代连接才触发自动重连，
// 被 Disconnect/新 Connect 取代的旧泵直接退出。
func (m *ConnManager) handleDropped(gen int, err error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	closeQuiet(m.conn)
	m.conn = nil
	m.sendCh = nil
	if m.connStop != nil {
		close(m.connStop)
		m.connStop = nil
	}
	m.state = StateConnecting
	m.dialing = true
	m.lastErr = err
	stop := m.stopCh
	m.mu.Unlock()

	m.emitLocal(EventDisconnect, nil)
	safe.Go(func() { m.dialLoop(gen, stop) })
}

// emitLocal 合成本地生命周期事件，走同一个订阅面。
func (m *ConnManager) emitLocal(event string, payload any) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			logger.Errorf("[conn] marshal %s payload: %v", event, err)
			return
		}
		data = b
	}
	m.emitter.Emit(event, data)
}

// ===== 工具函数 =====

func writeText(conn *websocket.Conn, data []byte, deadline time.Duration) error {
	if conn == nil {
		return errs.ErrNotConnected.WrapMsg("nil conn")
	}
	if err := conn.SetWriteDeadline(time.Now().Add(deadline)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func closeQuiet(c *websocket.Conn) {
	if c != nil {
		_ = c.Close()
	}
}

func errString(err error) string {
	if err == nil {
		return "connection attempts exhausted"
	}
	return err.Error()
}
