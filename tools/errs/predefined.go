package errs

// 业务侧按 errors.Is(err, errs.ErrXxx) 判定
var (
	ErrArgs         = NewCodeError(1001, "invalid argument")
	ErrBadFrame     = NewCodeError(1002, "malformed event frame")
	ErrTokenEmpty   = NewCodeError(1101, "no bearer credential available")
	ErrTokenInvalid = NewCodeError(1102, "bearer credential rejected")
	ErrNotConnected = NewCodeError(1103, "channel not connected")
	ErrSendQueue    = NewCodeError(1104, "send queue full")
	ErrSendFailed   = NewCodeError(1201, "message send failed")
	ErrAPI          = NewCodeError(1301, "chat api request failed")
)
