package errors

import (
	stderrors "errors"
	"fmt"
	"time"

	"jsonrpcmux/protocol"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/code"
)

// Error codes carried in JSON-RPC error objects produced by the muxer.
// The standard codes come from jrpc2; the -320xx server range adds the
// muxer-specific conditions.
const (
	CodeParseError       = code.ParseError
	CodeInvalidRequest   = code.InvalidRequest
	CodeMethodNotFound   = code.MethodNotFound
	CodeInternal         = code.InternalError
	CodeTimeout          = code.DeadlineExceeded
	CodeCancelled        = code.Cancelled
	CodeUnavailable      code.Code = -32000
	CodePermissionDenied code.Code = -32001
)

// Rejection reasons, used as metric labels and log fields.
const (
	ReasonParse          = "parse"
	ReasonEmpty          = "empty"
	ReasonTooLarge       = "too_large"
	ReasonTooManyBatches = "too_many_batches"
	ReasonUnavailable    = "unavailable"
	ReasonTimeout        = "timeout"
	ReasonShutdown       = "shutdown"
)

// New creates an error object with a formatted message.
func New(c code.Code, format string, args ...interface{}) *protocol.ErrorObject {
	return &protocol.ErrorObject{Code: int32(c), Message: fmt.Sprintf(format, args...)}
}

// ParseFailure reports a batch payload that could not be decoded.
func ParseFailure(err error) *protocol.ErrorObject {
	return New(CodeParseError, "parse error: %v", err)
}

// EmptyBatch reports a zero-length message array.
func EmptyBatch() *protocol.ErrorObject {
	return New(CodeInvalidRequest, "empty message array")
}

// BatchTooLarge reports an array longer than the configured ceiling.
func BatchTooLarge(max int) *protocol.ErrorObject {
	return New(CodeInvalidRequest, "batch size exceeds maximum allowed (%d)", max)
}

// TooManyBatches reports an admission rejection.
func TooManyBatches(max int) *protocol.ErrorObject {
	return New(CodeUnavailable, "too many concurrent batches (limit %d), retry later", max)
}

// DispatchUnavailable reports that the upstream method dispatcher is offline.
func DispatchUnavailable() *protocol.ErrorObject {
	return New(CodeUnavailable, "dispatch unavailable")
}

// Timeout reports a batch that exceeded its wall-clock budget.
func Timeout(budget time.Duration) *protocol.ErrorObject {
	return New(CodeTimeout, "batch processing timed out after %s", budget)
}

// ShuttingDown reports a batch aborted by deinitialisation.
func ShuttingDown() *protocol.ErrorObject {
	return New(CodeCancelled, "batch aborted: muxer shutting down")
}

// MissingMethod reports a batch element without a designator.
func MissingMethod() *protocol.ErrorObject {
	return New(CodeInvalidRequest, "missing method")
}

// FromError converts a dispatcher error into an error object, keeping the
// code and message of jrpc2 errors and mapping everything else through
// code.FromError.
func FromError(err error) *protocol.ErrorObject {
	if err == nil {
		return nil
	}
	var rpcErr *jrpc2.Error
	if stderrors.As(err, &rpcErr) {
		return &protocol.ErrorObject{Code: int32(rpcErr.Code), Message: rpcErr.Message}
	}
	var obj *protocol.ErrorObject
	if stderrors.As(err, &obj) {
		return obj
	}
	return &protocol.ErrorObject{Code: int32(code.FromError(err)), Message: err.Error()}
}
