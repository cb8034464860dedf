package chat

// State 连接状态机：disconnected -> connecting -> connected，失败进入 error。
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Channel is the emit/listen surface every other component goes through.
// The underlying websocket handle is owned exclusively by the ConnManager;
// nothing else touches it.
type Channel interface {
	Emit(event string, payload any) error
	On(event string, fn HandlerFunc) (off func())
	IsConnected() bool
}
