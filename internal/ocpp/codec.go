package ocpp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
)

// MessageType is the first element of every OCPP-J envelope.
type MessageType int

const (
	CallType       MessageType = 2
	CallResultType MessageType = 3
	CallErrorType  MessageType = 4
)

// ErrorCode classifies a CALLERROR.
type ErrorCode string

const (
	NotImplemented     ErrorCode = "NotImplemented"
	NotSupported       ErrorCode = "NotSupported"
	InternalError      ErrorCode = "InternalError"
	ProtocolError      ErrorCode = "ProtocolError"
	FormationViolation ErrorCode = "FormationViolation"
	GenericError       ErrorCode = "GenericError"
)

// Message is a decoded envelope. Request is only set for calls and holds the
// typed, validated payload for Action.
type Message struct {
	Type             MessageType
	UniqueID         string
	Action           Action
	Payload          json.RawMessage
	Request          interface{}
	ErrorCode        ErrorCode
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// DecodeError describes a frame that could not be decoded. UniqueID is set
// whenever the correlation token could be recovered, so the caller can answer
// with a CALLERROR.
type DecodeError struct {
	Code     ErrorCode
	UniqueID string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeError(code ErrorCode, uniqueID string, format string, args ...interface{}) *DecodeError {
	return &DecodeError{Code: code, UniqueID: uniqueID, Err: fmt.Errorf(format, args...)}
}

// Decode parses one wire frame. Every failure is returned as a *DecodeError.
func Decode(frame []byte) (*Message, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		return nil, decodeError(FormationViolation, "", "frame is not a JSON array: %v", err)
	}
	if len(fields) < 3 {
		return nil, decodeError(FormationViolation, "", "frame has %d elements, expected at least 3", len(fields))
	}

	var typeID int
	if err := json.Unmarshal(fields[0], &typeID); err != nil {
		return nil, decodeError(FormationViolation, "", "message type id is not a number")
	}
	var uniqueID string
	if err := json.Unmarshal(fields[1], &uniqueID); err != nil || uniqueID == "" {
		return nil, decodeError(FormationViolation, "", "unique id must be a non-empty string")
	}

	msg := &Message{Type: MessageType(typeID), UniqueID: uniqueID}
	switch msg.Type {
	case CallType:
		if len(fields) != 4 {
			return nil, decodeError(FormationViolation, uniqueID, "call has %d elements, expected 4", len(fields))
		}
		var name string
		if err := json.Unmarshal(fields[2], &name); err != nil || name == "" {
			return nil, decodeError(FormationViolation, uniqueID, "call action must be a non-empty string")
		}
		action, err := ParseAction(name)
		if err != nil {
			return nil, &DecodeError{Code: NotImplemented, UniqueID: uniqueID, Err: err}
		}
		request, err := DecodeRequest(action, fields[3])
		if err != nil {
			var derr *DecodeError
			if errors.As(err, &derr) {
				derr.UniqueID = uniqueID
				return nil, derr
			}
			return nil, &DecodeError{Code: FormationViolation, UniqueID: uniqueID, Err: err}
		}
		msg.Action = action
		msg.Payload = fields[3]
		msg.Request = request
	case CallResultType:
		if len(fields) != 3 {
			return nil, decodeError(FormationViolation, uniqueID, "call result has %d elements, expected 3", len(fields))
		}
		if !isObject(fields[2]) {
			return nil, decodeError(FormationViolation, uniqueID, "call result payload must be an object")
		}
		msg.Payload = fields[2]
	case CallErrorType:
		if len(fields) != 5 {
			return nil, decodeError(FormationViolation, uniqueID, "call error has %d elements, expected 5", len(fields))
		}
		var code, description string
		if err := json.Unmarshal(fields[2], &code); err != nil || code == "" {
			return nil, decodeError(FormationViolation, uniqueID, "call error code must be a non-empty string")
		}
		if err := json.Unmarshal(fields[3], &description); err != nil {
			return nil, decodeError(FormationViolation, uniqueID, "call error description must be a string")
		}
		msg.ErrorCode = ErrorCode(code)
		msg.ErrorDescription = description
		msg.ErrorDetails = fields[4]
	default:
		return nil, decodeError(ProtocolError, uniqueID, "unknown message type id %d", typeID)
	}
	return msg, nil
}

// DecodeRequest unmarshals and validates a call payload against the schema of action.
func DecodeRequest(action Action, payload json.RawMessage) (interface{}, error) {
	schema, ok := actionSchemas[action]
	if !ok {
		return nil, &DecodeError{Code: NotImplemented, Err: &UnknownActionError{Name: string(action)}}
	}
	return decodePayload(action, payload, schema.request())
}

// DecodeResponse unmarshals and validates a call result payload for action.
func DecodeResponse(action Action, payload json.RawMessage) (interface{}, error) {
	schema, ok := actionSchemas[action]
	if !ok {
		return nil, &DecodeError{Code: NotImplemented, Err: &UnknownActionError{Name: string(action)}}
	}
	return decodePayload(action, payload, schema.response())
}

func decodePayload(action Action, payload json.RawMessage, target interface{}) (interface{}, error) {
	if !isObject(payload) {
		return nil, decodeError(FormationViolation, "", "%s payload must be a JSON object", action)
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return nil, decodeError(FormationViolation, "", "%s payload: %v", action, err)
	}
	if err := validate(target); err != nil {
		return nil, decodeError(ProtocolError, "", "%s payload: %v", action, err)
	}
	return target, nil
}

// EncodeCall builds a CALL frame. Struct payloads are validated before encoding.
func EncodeCall(uniqueID string, action Action, payload interface{}) ([]byte, error) {
	if _, ok := actionSchemas[action]; !ok {
		return nil, &UnknownActionError{Name: string(action)}
	}
	if err := validate(payload); err != nil {
		return nil, fmt.Errorf("invalid %s request: %w", action, err)
	}
	return json.Marshal([]interface{}{CallType, uniqueID, action, objectOrEmpty(payload)})
}

// EncodeCallResult builds a CALLRESULT frame. Results are built locally and
// are not re-validated.
func EncodeCallResult(uniqueID string, payload interface{}) ([]byte, error) {
	return json.Marshal([]interface{}{CallResultType, uniqueID, objectOrEmpty(payload)})
}

// EncodeCallError builds a CALLERROR frame. Nil details are sent as {}.
func EncodeCallError(uniqueID string, code ErrorCode, description string, details interface{}) ([]byte, error) {
	return json.Marshal([]interface{}{CallErrorType, uniqueID, code, description, objectOrEmpty(details)})
}

func objectOrEmpty(v interface{}) interface{} {
	if v == nil {
		return struct{}{}
	}
	rv := reflect.ValueOf(v)
	if (rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Map) && rv.IsNil() {
		return struct{}{}
	}
	return v
}

func validate(v interface{}) error {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	return types.Validate.Struct(v)
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
