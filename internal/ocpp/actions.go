package ocpp

import (
	"fmt"
	"sort"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/remotetrigger"
)

// Action names an OCPP 1.6 operation supported by this system.
type Action string

// Supported actions. Anything else decodes to an UnknownActionError.
const (
	ActionBootNotification   Action = core.BootNotificationFeatureName
	ActionHeartbeat          Action = core.HeartbeatFeatureName
	ActionAuthorize          Action = core.AuthorizeFeatureName
	ActionStartTransaction   Action = core.StartTransactionFeatureName
	ActionStopTransaction    Action = core.StopTransactionFeatureName
	ActionStatusNotification Action = core.StatusNotificationFeatureName
	ActionTriggerMessage     Action = remotetrigger.TriggerMessageFeatureName
)

// Origin tells which side of the connection initiates an action.
type Origin int

const (
	// OriginChargePoint marks calls sent by the device to the central system.
	OriginChargePoint Origin = iota
	// OriginCentralSystem marks calls sent by the central system to the device.
	OriginCentralSystem
)

// actionSchema binds an action to the concrete request/confirmation types
// used to decode and validate its payloads.
type actionSchema struct {
	origin   Origin
	request  func() interface{}
	response func() interface{}
}

var actionSchemas = map[Action]actionSchema{
	ActionBootNotification: {
		origin:   OriginChargePoint,
		request:  func() interface{} { return &core.BootNotificationRequest{} },
		response: func() interface{} { return &core.BootNotificationConfirmation{} },
	},
	ActionHeartbeat: {
		origin:   OriginChargePoint,
		request:  func() interface{} { return &core.HeartbeatRequest{} },
		response: func() interface{} { return &core.HeartbeatConfirmation{} },
	},
	ActionAuthorize: {
		origin:   OriginChargePoint,
		request:  func() interface{} { return &core.AuthorizeRequest{} },
		response: func() interface{} { return &core.AuthorizeConfirmation{} },
	},
	ActionStartTransaction: {
		origin:   OriginChargePoint,
		request:  func() interface{} { return &core.StartTransactionRequest{} },
		response: func() interface{} { return &core.StartTransactionConfirmation{} },
	},
	ActionStopTransaction: {
		origin:   OriginChargePoint,
		request:  func() interface{} { return &core.StopTransactionRequest{} },
		response: func() interface{} { return &core.StopTransactionConfirmation{} },
	},
	ActionStatusNotification: {
		origin:   OriginChargePoint,
		request:  func() interface{} { return &core.StatusNotificationRequest{} },
		response: func() interface{} { return &core.StatusNotificationConfirmation{} },
	},
	ActionTriggerMessage: {
		origin:   OriginCentralSystem,
		request:  func() interface{} { return &remotetrigger.TriggerMessageRequest{} },
		response: func() interface{} { return &remotetrigger.TriggerMessageConfirmation{} },
	},
}

func init() {
	for action, schema := range actionSchemas {
		if schema.request == nil || schema.response == nil {
			panic(fmt.Sprintf("ocpp: action %s has an incomplete schema", action))
		}
	}
}

// UnknownActionError is returned for action names outside the supported set.
type UnknownActionError struct {
	Name string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action %q", e.Name)
}

// ParseAction maps a wire action name onto the closed set of supported actions.
func ParseAction(name string) (Action, error) {
	action := Action(name)
	if _, ok := actionSchemas[action]; !ok {
		return "", &UnknownActionError{Name: name}
	}
	return action, nil
}

// Origin returns which side is allowed to initiate the action.
func (a Action) Origin() Origin {
	return actionSchemas[a].origin
}

// Actions returns every supported action initiated by origin, sorted by name.
func Actions(origin Origin) []Action {
	var actions []Action
	for action, schema := range actionSchemas {
		if schema.origin == origin {
			actions = append(actions, action)
		}
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	return actions
}
