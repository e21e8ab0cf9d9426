package errs

// 错误码分段：
//   1xxx 传输层
//   2xxx 同步/补拉
//   3xxx 会话合并
//   4xxx 呼叫信令
//   5xxx 会话级致命
const (
	ServerInternalError = 500

	TransportNotConnectedError = 1001
	TransportSendError         = 1002
	TransportDecodeError       = 1003

	SyncBackfillError      = 2001
	SyncCursorPersistError = 2002

	MergeProfileResolveError = 3001

	SignalingNegotiationError = 4001
	SignalingPeerConnError    = 4002

	SessionUnauthorizedError = 5001
	SessionKnockedOffError   = 5002
)

var (
	ErrInternal = NewCodeError(ServerInternalError, "internal error")

	ErrNotConnected = NewCodeError(TransportNotConnectedError, "not connected")
	ErrSendFailed   = NewCodeError(TransportSendError, "send failed")
	ErrDecodeFailed = NewCodeError(TransportDecodeError, "frame decode failed")

	ErrBackfillFailed = NewCodeError(SyncBackfillError, "backfill fetch failed")
	ErrCursorPersist  = NewCodeError(SyncCursorPersistError, "cursor persist failed")

	ErrProfileResolve = NewCodeError(MergeProfileResolveError, "profile resolution failed")

	ErrNegotiationFailed = NewCodeError(SignalingNegotiationError, "negotiation failed")
	ErrPeerConnection    = NewCodeError(SignalingPeerConnError, "peer connection failed")

	ErrUnauthorized = NewCodeError(SessionUnauthorizedError, "unauthorized")
	ErrKnockedOff   = NewCodeError(SessionKnockedOffError, "knocked off by another session")
)
