package errors

import (
	stdErrors "errors"
	"fmt"
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

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"

	// Safe 交易引擎的错误分类。
	CodeValidation         Code = "VALIDATION_FAILED"
	CodeSchema             Code = "TYPED_DATA_SCHEMA"
	CodeEncoding           Code = "TYPED_DATA_ENCODING"
	CodeEstimation         Code = "GAS_ESTIMATION_FAILED"
	CodeSigningUnsupported Code = "SIGNING_UNSUPPORTED"
	CodeRelay              Code = "RELAY_FAILED"
	CodeRelayTimeout       Code = "RELAY_TIMEOUT"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},

		CodeValidation:         {Message: "safe transaction is malformed", Severity: SeverityInfo},
		CodeSchema:             {Message: "typed data schema mismatch", Severity: SeverityWarning},
		CodeEncoding:           {Message: "typed data encoding failed", Severity: SeverityWarning},
		CodeEstimation:         {Message: "gas estimation failed", Severity: SeverityWarning, Retryable: true},
		CodeSigningUnsupported: {Message: "signer cannot produce typed data signature", Severity: SeverityWarning, Alert: true},
		// 交易已经广播，自动重试可能造成重复执行。
		CodeRelay:        {Message: "relay failed", Severity: SeverityCritical, Alert: true},
		CodeRelayTimeout: {Message: "relay timed out", Severity: SeverityCritical, Alert: true},
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
	stage     string
	cause     error
	metadata  map[string]string
	retryable *bool
	sent      *bool
	alert     *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithStage 标记错误发生时所处的流水线阶段。
func WithStage(stage string) Option {
	return func(e *Error) {
		e.stage = stage
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithSent 显式声明外层交易是否已经广播，覆盖按错误码与阶段的推断。
func WithSent(sent bool) Option {
	return func(e *Error) {
		e.sent = &sent
	}
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例。
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

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Tag 为已有的统一错误补充阶段信息；若 err 不是统一错误则按 code 包裹。
// 已经带有阶段的错误保持原阶段不变。
func Tag(err error, code Code, stage string) *Error {
	if err == nil {
		return nil
	}
	if e, ok := From(err); ok {
		if e.stage != "" {
			return e
		}
		clone := *e
		clone.stage = stage
		clone.metadata = e.Metadata()
		return &clone
	}
	return Wrap(code, err, "", WithStage(stage))
}

// Annotate 复制统一错误并追加可选项；非统一错误按 UNKNOWN 包裹。
func Annotate(err error, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	e, ok := From(err)
	if !ok {
		return Wrap(CodeUnknown, err, "", opts...)
	}
	clone := *e
	clone.metadata = e.Metadata()
	for _, opt := range opts {
		opt(&clone)
	}
	return &clone
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	prefix := fmt.Sprintf("[%s]", e.code)
	if e.stage != "" {
		prefix = fmt.Sprintf("[%s@%s]", e.code, e.stage)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s %s", prefix, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Stage 返回错误发生的流水线阶段，未标记时为空。
func (e *Error) Stage() string {
	if e == nil {
		return ""
	}
	return e.stage
}

// Metadata 返回附加信息。
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

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// Sent 判断错误发生时外层交易是否可能已经广播。
// 只有 relay/confirm 阶段（或未标记阶段）的中继错误才视为已广播。
func (e *Error) Sent() bool {
	if e == nil {
		return false
	}
	if e.sent != nil {
		return *e.sent
	}
	if e.code != CodeRelay && e.code != CodeRelayTimeout {
		return false
	}
	switch e.stage {
	case "", "relay", "confirm":
		return true
	default:
		return false
	}
}

// From 尝试从 error 中解析统一错误类型。
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

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// StageOf 返回错误所处的阶段。
func StageOf(err error) string {
	if e, ok := From(err); ok {
		return e.Stage()
	}
	return ""
}

// MetadataOf 返回错误附带的信息。
func MetadataOf(err error) map[string]string {
	if e, ok := From(err); ok {
		return e.Metadata()
	}
	return nil
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// SentError 判断任意 error 是否发生在交易广播之后。
func SentError(err error) bool {
	if e, ok := From(err); ok {
		return e.Sent()
	}
	return false
}
