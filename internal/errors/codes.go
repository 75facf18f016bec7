package errors

import "sync"

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Class 是错误所属的大类，同步循环根据它决定是放弃本轮还是重试。
type Class string

const (
	ClassGeneric     Class = "generic"
	ClassAcquisition Class = "acquisition"
	ClassRead        Class = "read"
	ClassStructural  Class = "structural"
	ClassProtocol    Class = "protocol"
	ClassTransport   Class = "transport"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Class     Class
	Severity  Severity
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeRetriesExhausted      Code = "RETRIES_EXHAUSTED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"

	// 进程与内存采集。
	CodeProcessNotFound  Code = "PROCESS_NOT_FOUND"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeMalformedSource  Code = "MALFORMED_SOURCE"

	// 区域读取。
	CodeRegionUnreadable Code = "REGION_UNREADABLE"
	CodeRegionShortRead  Code = "REGION_SHORT_READ"
	CodeReaderNotOpen    Code = "READER_NOT_OPEN"

	// 叶子与 Merkle 结构。
	CodeInvalidLeafCount Code = "INVALID_LEAF_COUNT"
	CodeEmptySnapshot    Code = "EMPTY_SNAPSHOT"

	// 承诺/揭示协议。
	CodeRevealRejected    Code = "REVEAL_REJECTED"
	CodeCommitRejected    Code = "COMMIT_REJECTED"
	CodeCommitmentUnknown Code = "COMMITMENT_UNKNOWN"
	CodeIllegalTransition Code = "ILLEGAL_TRANSITION"

	// 网络传输。
	CodeTransportFailure Code = "TRANSPORT_FAILURE"
	CodeCircuitOpen      Code = "CIRCUIT_OPEN"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Class: ClassGeneric, Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Class: ClassGeneric, Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Class: ClassGeneric, Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Class: ClassGeneric, Severity: SeverityWarning},
		CodeRetriesExhausted:      {Message: "retries exhausted", Class: ClassGeneric, Severity: SeverityWarning, Alert: true},
		CodeInitializationFailure: {Message: "service not initialized", Class: ClassGeneric, Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Class: ClassGeneric, Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Class: ClassGeneric, Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeTimeout:               {Message: "operation timed out", Class: ClassTransport, Severity: SeverityWarning, Retryable: true, Alert: true},

		CodeProcessNotFound:  {Message: "target process not found", Class: ClassAcquisition, Severity: SeverityWarning},
		CodePermissionDenied: {Message: "permission denied on process memory", Class: ClassAcquisition, Severity: SeverityCritical, Alert: true},
		CodeMalformedSource:  {Message: "region source unreadable", Class: ClassAcquisition, Severity: SeverityWarning},

		CodeRegionUnreadable: {Message: "region unreadable", Class: ClassRead, Severity: SeverityInfo},
		CodeRegionShortRead:  {Message: "region short read", Class: ClassRead, Severity: SeverityInfo},
		CodeReaderNotOpen:    {Message: "memory reader is closed", Class: ClassRead, Severity: SeverityWarning},

		CodeInvalidLeafCount: {Message: "leaf count must be a non-zero power of two", Class: ClassStructural, Severity: SeverityWarning},
		CodeEmptySnapshot:    {Message: "snapshot yields no content leaves", Class: ClassStructural, Severity: SeverityWarning},

		CodeRevealRejected:    {Message: "reveal rejected", Class: ClassProtocol, Severity: SeverityWarning, Alert: true},
		CodeCommitRejected:    {Message: "commitment rejected", Class: ClassProtocol, Severity: SeverityWarning, Alert: true},
		CodeCommitmentUnknown: {Message: "commitment not yet recorded", Class: ClassProtocol, Severity: SeverityInfo, Retryable: true},
		CodeIllegalTransition: {Message: "illegal round transition", Class: ClassProtocol, Severity: SeverityCritical, Alert: true},

		CodeTransportFailure: {Message: "transport failure", Class: ClassTransport, Severity: SeverityWarning, Retryable: true},
		CodeCircuitOpen:      {Message: "circuit breaker open", Class: ClassTransport, Severity: SeverityCritical, Alert: true},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if attr.Class == "" {
		attr.Class = ClassGeneric
	}
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
