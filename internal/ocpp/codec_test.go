package ocpp

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCall(t *testing.T) {
	frame := []byte(`[2,"19223201","BootNotification",{"chargePointVendor":"Pipelet","chargePointModel":"Simulator"}]`)

	msg, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, CallType, msg.Type)
	assert.Equal(t, "19223201", msg.UniqueID)
	assert.Equal(t, ActionBootNotification, msg.Action)

	req, ok := msg.Request.(*core.BootNotificationRequest)
	require.True(t, ok)
	assert.Equal(t, "Pipelet", req.ChargePointVendor)
	assert.Equal(t, "Simulator", req.ChargePointModel)
}

func TestDecodeResultAndError(t *testing.T) {
	msg, err := Decode([]byte(`[3,"abc",{"currentTime":"2024-01-01T00:00:00Z"}]`))
	require.NoError(t, err)
	assert.Equal(t, CallResultType, msg.Type)
	assert.JSONEq(t, `{"currentTime":"2024-01-01T00:00:00Z"}`, string(msg.Payload))

	msg, err = Decode([]byte(`[4,"abc","GenericError","boom",{}]`))
	require.NoError(t, err)
	assert.Equal(t, CallErrorType, msg.Type)
	assert.Equal(t, GenericError, msg.ErrorCode)
	assert.Equal(t, "boom", msg.ErrorDescription)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		code     ErrorCode
		uniqueID string
	}{
		{"not json", `hello`, FormationViolation, ""},
		{"not an array", `{"a":1}`, FormationViolation, ""},
		{"too short", `[2,"a"]`, FormationViolation, ""},
		{"empty unique id", `[2,"","Heartbeat",{}]`, FormationViolation, ""},
		{"unknown type id", `[7,"a","Heartbeat",{}]`, ProtocolError, "a"},
		{"call with wrong arity", `[2,"a","Heartbeat"]`, FormationViolation, "a"},
		{"empty action", `[2,"a","",{}]`, FormationViolation, "a"},
		{"unknown action", `[2,"a","Reset",{}]`, NotImplemented, "a"},
		{"payload not an object", `[2,"a","Heartbeat",[]]`, FormationViolation, "a"},
		{"payload wrong field type", `[2,"a","Authorize",{"idTag":5}]`, FormationViolation, "a"},
		{"payload fails schema", `[2,"a","Authorize",{}]`, ProtocolError, "a"},
		{"result payload not an object", `[3,"a",1]`, FormationViolation, "a"},
		{"error with wrong arity", `[4,"a","GenericError"]`, FormationViolation, "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			require.Error(t, err)

			var derr *DecodeError
			require.True(t, errors.As(err, &derr), "got %T", err)
			assert.Equal(t, tt.code, derr.Code)
			assert.Equal(t, tt.uniqueID, derr.UniqueID)
		})
	}
}

func TestDecodeUnknownActionIsTyped(t *testing.T) {
	_, err := Decode([]byte(`[2,"a","DataTransfer",{}]`))
	var unknown *UnknownActionError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "DataTransfer", unknown.Name)
}

func TestEncodeCallRoundTrip(t *testing.T) {
	req := core.NewStartTransactionRequest(1, "ABC123", 0, types.NewDateTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	frame, err := EncodeCall("u1", ActionStartTransaction, req)
	require.NoError(t, err)

	msg, err := Decode(frame)
	require.NoError(t, err)
	decoded := msg.Request.(*core.StartTransactionRequest)
	assert.Equal(t, 1, decoded.ConnectorId)
	assert.Equal(t, "ABC123", decoded.IdTag)
}

func TestEncodeCallValidatesPayload(t *testing.T) {
	_, err := EncodeCall("u1", ActionAuthorize, core.NewAuthorizationRequest(""))
	assert.Error(t, err)

	_, err = EncodeCall("u1", Action("Reset"), nil)
	var unknown *UnknownActionError
	assert.True(t, errors.As(err, &unknown))
}

func TestEncodeCallErrorDefaultsDetails(t *testing.T) {
	frame, err := EncodeCallError("u1", NotImplemented, "nope", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[4,"u1","NotImplemented","nope",{}]`, string(frame))
}

func TestEncodeCallResultEmptyPayload(t *testing.T) {
	frame, err := EncodeCallResult("u1", core.NewStatusNotificationConfirmation())
	require.NoError(t, err)

	var fields []json.RawMessage
	require.NoError(t, json.Unmarshal(frame, &fields))
	require.Len(t, fields, 3)
	assert.JSONEq(t, `{}`, string(fields[2]))
}

func TestActionsByOrigin(t *testing.T) {
	assert.Equal(t, []Action{
		ActionAuthorize,
		ActionBootNotification,
		ActionHeartbeat,
		ActionStartTransaction,
		ActionStatusNotification,
		ActionStopTransaction,
	}, Actions(OriginChargePoint))
	assert.Equal(t, []Action{ActionTriggerMessage}, Actions(OriginCentralSystem))

	_, err := ParseAction("MeterValues")
	assert.Error(t, err)
}
