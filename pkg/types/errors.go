package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind 錯誤大類
type ErrorKind string

const (
	KindCompileError   ErrorKind = "COMPILE"
	KindAdmissionError ErrorKind = "ADMISSION"
	KindExecutionError ErrorKind = "EXECUTION"
	KindTimeoutError   ErrorKind = "TIMEOUT"
	KindRequestError   ErrorKind = "REQUEST"
)

// ErrorCode 具體原因，對外回報時直接使用
type ErrorCode string

const (
	CodeUnknownOperator         ErrorCode = "UnknownOperator"
	CodeNoBudget                ErrorCode = "NoBudget"
	CodeBackpressure            ErrorCode = "Backpressure"
	CodeConcurrencyLimitReached ErrorCode = "ConcurrencyLimitReached"
	CodeQueueDepthLimitReached  ErrorCode = "QueueDepthLimitReached"
	CodeComputeBudgetExhausted  ErrorCode = "ComputeBudgetExhausted"
	CodeCircularDependency      ErrorCode = "CircularDependency"
	CodeNodeFailed              ErrorCode = "NodeFailed"
	CodeUnknownNodeType         ErrorCode = "UnknownNodeType"
	CodeTimeout                 ErrorCode = "Timeout"
	CodeInvalidRequest          ErrorCode = "InvalidRequest"
)

// Error 查詢核心的錯誤型別。errors.Is 以 Code 比對，因此
// errors.Is(err, ErrBackpressure) 對任何 Backpressure 錯誤都成立。
type Error struct {
	Kind       ErrorKind
	Code       ErrorCode
	Msg        string
	NodeID     string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is 以錯誤代碼比對
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Retryable 此錯誤是否屬於「稍後重試可能成功」的例行訊號
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeBackpressure, CodeConcurrencyLimitReached, CodeQueueDepthLimitReached, CodeComputeBudgetExhausted:
		return true
	}
	return false
}

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrUnknownOperator         = &Error{Kind: KindCompileError, Code: CodeUnknownOperator}
	ErrNoBudget                = &Error{Kind: KindAdmissionError, Code: CodeNoBudget}
	ErrBackpressure            = &Error{Kind: KindAdmissionError, Code: CodeBackpressure}
	ErrConcurrencyLimitReached = &Error{Kind: KindAdmissionError, Code: CodeConcurrencyLimitReached}
	ErrQueueDepthLimitReached  = &Error{Kind: KindAdmissionError, Code: CodeQueueDepthLimitReached}
	ErrComputeBudgetExhausted  = &Error{Kind: KindAdmissionError, Code: CodeComputeBudgetExhausted}
	ErrCircularDependency      = &Error{Kind: KindExecutionError, Code: CodeCircularDependency}
	ErrNodeFailed              = &Error{Kind: KindExecutionError, Code: CodeNodeFailed}
	ErrUnknownNodeType         = &Error{Kind: KindExecutionError, Code: CodeUnknownNodeType}
	ErrTimeout                 = &Error{Kind: KindTimeoutError, Code: CodeTimeout}
	ErrInvalidRequest          = &Error{Kind: KindRequestError, Code: CodeInvalidRequest}

	// ErrNotFound 儲存層找不到紀錄
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition 非法的狀態轉換
	ErrInvalidTransition = errors.New("invalid state transition")
)

// NewUnknownOperatorError 編譯期錯誤，指出無法識別的 operator
func NewUnknownOperatorError(name string) error {
	return &Error{Kind: KindCompileError, Code: CodeUnknownOperator, Msg: fmt.Sprintf("operator %q is not registered", name)}
}

// NewAdmissionError 准入錯誤
func NewAdmissionError(code ErrorCode, msg string, retryAfter time.Duration) error {
	return &Error{Kind: KindAdmissionError, Code: code, Msg: msg, RetryAfter: retryAfter}
}

// NewExecutionError 執行期錯誤，nodeID 可為空
func NewExecutionError(code ErrorCode, nodeID string, cause error) error {
	e := &Error{Kind: KindExecutionError, Code: code, NodeID: nodeID, Err: cause}
	if nodeID != "" {
		e.Msg = "node " + nodeID
	}
	return e
}

// NewCircularDependencyError 指出環上的一個節點
func NewCircularDependencyError(nodeID string) error {
	return &Error{Kind: KindExecutionError, Code: CodeCircularDependency, NodeID: nodeID, Msg: "cycle through node " + nodeID}
}

// NewTimeoutError deadline 到期
func NewTimeoutError(executionID string, deadline time.Time) error {
	return &Error{Kind: KindTimeoutError, Code: CodeTimeout, Msg: fmt.Sprintf("execution %s missed deadline %s", executionID, deadline.Format(time.RFC3339Nano))}
}

// NewInvalidRequestError 請求格式錯誤
func NewInvalidRequestError(msg string) error {
	return &Error{Kind: KindRequestError, Code: CodeInvalidRequest, Msg: msg}
}

// ============================================================================
// 判斷輔助函式
// ============================================================================

// AsError 取出 *Error
func AsError(err error) (*Error, bool) {
	var e *Error
	if err == nil || !errors.As(err, &e) {
		return nil, false
	}
	return e, true
}

// CodeOf 取得錯誤代碼，非本套件錯誤回傳空字串
func CodeOf(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsAdmission 是否為准入拒絕
func IsAdmission(err error) bool {
	e, ok := AsError(err)
	return ok && e.Kind == KindAdmissionError
}

// IsRetryable 是否可以在退避後重試
func IsRetryable(err error) bool {
	e, ok := AsError(err)
	return ok && e.Retryable()
}

// RetryAfterOf 建議的重試間隔
func RetryAfterOf(err error) (time.Duration, bool) {
	e, ok := AsError(err)
	if !ok || !e.Retryable() || e.RetryAfter <= 0 {
		return 0, false
	}
	return e.RetryAfter, true
}
