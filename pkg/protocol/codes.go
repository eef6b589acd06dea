package protocol

// ErrorCode represents a JSON-RPC 2.0 error code.
type ErrorCode int

// Standard error codes as per the JSON-RPC 2.0 specification.
const (
	ParseError     ErrorCode = -32700
	InvalidRequest ErrorCode = -32600
	MethodNotFound ErrorCode = -32601
	InvalidParams  ErrorCode = -32602
	InternalError  ErrorCode = -32603
)

// Application error codes carried by MCP servers.
const (
	// CodeUnauthorized indicates the caller is not authenticated.
	CodeUnauthorized ErrorCode = -32001
	// CodeForbidden indicates the caller lacks permission.
	CodeForbidden ErrorCode = -32002
	// CodeNotFound indicates the addressed tool, resource or prompt does not exist.
	CodeNotFound ErrorCode = -32003
	// CodeConflict indicates the operation conflicts with server state.
	CodeConflict ErrorCode = -32004
	// CodeValidation indicates the request failed server-side validation.
	CodeValidation ErrorCode = -32005
	// CodeRateLimited indicates the caller exceeded the server's rate budget.
	CodeRateLimited ErrorCode = -32006
)

// errorCodeNames maps error codes to stable human-readable names.
var errorCodeNames = map[ErrorCode]string{
	ParseError:       "ParseError",
	InvalidRequest:   "InvalidRequest",
	MethodNotFound:   "MethodNotFound",
	InvalidParams:    "InvalidParams",
	InternalError:    "InternalError",
	CodeUnauthorized: "Unauthorized",
	CodeForbidden:    "Forbidden",
	CodeNotFound:     "NotFound",
	CodeConflict:     "Conflict",
	CodeValidation:   "Validation",
	CodeRateLimited:  "RateLimited",
}

// Name returns the stable name of the code, or "UnknownError".
func (c ErrorCode) Name() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return "UnknownError"
}

// IsStandard reports whether the code is a standard JSON-RPC code.
func (c ErrorCode) IsStandard() bool {
	switch c {
	case ParseError, InvalidRequest, MethodNotFound, InvalidParams, InternalError:
		return true
	}
	return false
}

// IsApplication reports whether the code falls in the application range.
func (c ErrorCode) IsApplication() bool {
	return c >= -32006 && c <= -32001
}
