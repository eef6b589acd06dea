package errors

import (
	"errors"

	"github.com/mcpwire/mcpwire/pkg/protocol"
)

// ToWireError converts any error into a JSON-RPC error object. Classified
// errors keep their code when one was recorded; everything else becomes an
// internal error.
func ToWireError(err error) *protocol.Error {
	if err == nil {
		return nil
	}

	var wireErr *protocol.Error
	if errors.As(err, &wireErr) {
		return wireErr
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		code := protocol.ErrorCode(classified.Code())
		if classified.Code() == 0 {
			code = protocol.InternalError
		}
		return &protocol.Error{
			Code:    code,
			Message: classified.Message(),
			Data: map[string]interface{}{
				"category": string(classified.Category()),
				"severity": string(classified.Severity()),
			},
		}
	}

	return &protocol.Error{
		Code:    protocol.InternalError,
		Message: err.Error(),
	}
}

// FromWireError converts a JSON-RPC error object received from the peer into
// a classified error.
func FromWireError(wireErr *protocol.Error) *ClassifiedError {
	if wireErr == nil {
		return nil
	}
	category := CategoryUnknown
	severity := SeverityMedium
	if entry, ok := codeCategories[wireErr.Code]; ok {
		category = entry.category
		severity = entry.severity
	}
	return newClassified(wireErr, wireErr.Message, category, severity, int(wireErr.Code))
}
