// Package errors defines the coded error type shared by every AgentBounty
// package. Each code carries default severity, retry, alert and HTTP status
// attributes; packages may register additional codes during init.
package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeUnauthenticated       Code = "UNAUTHENTICATED"
	CodeForbidden             Code = "FORBIDDEN"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeLimitExceeded         Code = "LIMIT_EXCEEDED"
	CodePaymentRequired       Code = "PAYMENT_REQUIRED"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeExecutorFailure       Code = "EXECUTOR_FAILURE"
	CodeChainFailure          Code = "CHAIN_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeRetriesExhausted      Code = "RETRIES_EXHAUSTED"
	CodeNotImplemented        Code = "NOT_IMPLEMENTED"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message    string
	Severity   Severity
	Retryable  bool
	Alert      bool
	HTTPStatus int
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {"unknown error", SeverityCritical, false, true, http.StatusInternalServerError},
		CodeInvalidArgument:       {"invalid argument", SeverityInfo, false, false, http.StatusBadRequest},
		CodeUnauthenticated:       {"not authenticated", SeverityInfo, false, false, http.StatusUnauthorized},
		CodeForbidden:             {"access denied", SeverityInfo, false, false, http.StatusForbidden},
		CodeNotFound:              {"resource not found", SeverityInfo, false, false, http.StatusNotFound},
		CodeConflict:              {"resource conflict", SeverityWarning, false, false, http.StatusConflict},
		CodeLimitExceeded:         {"limit exceeded", SeverityInfo, false, false, http.StatusBadRequest},
		CodePaymentRequired:       {"payment required", SeverityInfo, false, false, http.StatusPaymentRequired},
		CodeRateLimited:           {"too many requests", SeverityInfo, true, false, http.StatusTooManyRequests},
		CodeInitializationFailure: {"service not initialized", SeverityWarning, true, true, http.StatusServiceUnavailable},
		CodeStorageFailure:        {"storage failure", SeverityCritical, true, true, http.StatusInternalServerError},
		CodeQueueFailure:          {"queue failure", SeverityCritical, true, true, http.StatusInternalServerError},
		CodeExecutorFailure:       {"agent execution failed", SeverityWarning, true, true, http.StatusInternalServerError},
		CodeChainFailure:          {"blockchain request failed", SeverityWarning, true, true, http.StatusBadGateway},
		CodeTimeout:               {"operation timed out", SeverityWarning, true, true, http.StatusGatewayTimeout},
		CodeRetriesExhausted:      {"retries exhausted", SeverityWarning, false, true, http.StatusInternalServerError},
		CodeNotImplemented:        {"not implemented", SeverityInfo, false, false, http.StatusNotImplemented},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息，会随告警和日志一同输出。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) { e.alert = &alert }
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.severity = &sev }
}

// New 构造错误。message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 包装底层错误。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 判断 target 是否为相同错误码的 *Error。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	return ok && e.code == t.code
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含底层错误的可读描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// HTTPStatus 返回 API 层应答使用的状态码。
func (e *Error) HTTPStatus() int {
	if e == nil {
		return http.StatusOK
	}
	return AttributesOf(e.code).HTTPStatus
}

// From 提取错误链中的第一个 *Error。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误码，非统一错误返回 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// HTTPStatusOf 将错误映射为 HTTP 状态码，默认 500。
func HTTPStatusOf(err error) int {
	if e, ok := From(err); ok {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// MessageOf 返回统一错误的描述，其他错误返回 err.Error()。
func MessageOf(err error) string {
	if e, ok := From(err); ok {
		return e.Message()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// RetryableError 判断错误是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert 判断错误是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf 返回错误的严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
