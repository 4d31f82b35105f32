package ocpp

import (
	"context"
	"errors"
	"fmt"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"
)

// onBootNotification handles BootNotification requests
func (d *Dispatcher) onBootNotification(_ context.Context, s *Session, request interface{}) (reply, error) {
	req := request.(*core.BootNotificationRequest)
	logrus.WithFields(logrus.Fields{
		"chargePointID": s.id,
		"vendor":        req.ChargePointVendor,
		"model":         req.ChargePointModel,
	}).Info("Boot notification received")

	now := d.now()
	s.setHeartbeatInterval(d.cfg.HeartbeatInterval)
	s.touchHeartbeat(now)

	// A repeated boot is accepted without a state change
	if from, to, err := s.apply(EventBoot); err == nil {
		if tx, open := d.transactions.OpenFor(s.id); open {
			s.resume(StateCharging)
			to = StateCharging
			d.publish(s.id, fmt.Sprintf("BootNotification: %s -> %s (resumed transaction %d)", from, to, tx.ID))
		} else {
			d.publish(s.id, fmt.Sprintf("BootNotification: %s -> %s", from, to))
		}
	}

	conf := core.NewBootNotificationConfirmation(
		types.NewDateTime(now),
		d.cfg.HeartbeatInterval,
		core.RegistrationStatusAccepted,
	)
	return reply{
		payload: conf,
		vars: map[string]interface{}{
			"vendor": req.ChargePointVendor,
			"model":  req.ChargePointModel,
		},
	}, nil
}

// onHeartbeat handles Heartbeat requests
func (d *Dispatcher) onHeartbeat(_ context.Context, s *Session, _ interface{}) (reply, error) {
	logrus.WithField("chargePointID", s.id).Debug("Heartbeat received")

	now := d.now()
	s.touchHeartbeat(now)
	return reply{payload: core.NewHeartbeatConfirmation(types.NewDateTime(now))}, nil
}

// onAuthorize handles Authorize requests. Every idTag is accepted.
func (d *Dispatcher) onAuthorize(_ context.Context, s *Session, request interface{}) (reply, error) {
	req := request.(*core.AuthorizeRequest)
	logrus.WithFields(logrus.Fields{
		"chargePointID": s.id,
		"idTag":         req.IdTag,
	}).Info("Authorize request received")

	idTagInfo := types.NewIdTagInfo(types.AuthorizationStatusAccepted)
	return reply{
		payload: core.NewAuthorizationConfirmation(idTagInfo),
		vars:    map[string]interface{}{"id_tag": req.IdTag},
	}, nil
}

// onStartTransaction handles StartTransaction requests. It is accepted from
// Available or Preparing; any other state, or an already open transaction,
// gets a rejection result.
func (d *Dispatcher) onStartTransaction(_ context.Context, s *Session, request interface{}) (reply, error) {
	req := request.(*core.StartTransactionRequest)
	logrus.WithFields(logrus.Fields{
		"chargePointID": s.id,
		"connectorId":   req.ConnectorId,
		"idTag":         req.IdTag,
	}).Info("Start transaction request received")

	state := s.State()
	if state != StateAvailable && state != StatePreparing {
		status := types.AuthorizationStatusBlocked
		if _, open := d.transactions.OpenFor(s.id); open || state == StateCharging || state == StateFinishing {
			status = types.AuthorizationStatusConcurrentTx
		}
		return d.rejectStart(s, status, fmt.Errorf("%w: %s in state %s", ErrInvalidStateTransition, EventStartTransaction, state))
	}

	start := d.now()
	if req.Timestamp != nil {
		start = req.Timestamp.Time
	}
	tx, err := d.transactions.Open(s.id, req.ConnectorId, req.IdTag, req.MeterStart, start)
	if err != nil {
		return d.rejectStart(s, types.AuthorizationStatusConcurrentTx, err)
	}

	from, to, err := s.apply(EventStartTransaction)
	if err != nil {
		// The table and the session disagree; undo the transaction.
		if _, cerr := d.transactions.Close(s.id, tx.ID, req.MeterStart, start); cerr != nil {
			logrus.WithError(cerr).WithField("chargePointID", s.id).Error("Failed to roll back transaction")
		}
		return d.rejectStart(s, types.AuthorizationStatusConcurrentTx, err)
	}
	d.publish(s.id, fmt.Sprintf("StartTransaction: %s -> %s (transaction %d, idTag %s)", from, to, tx.ID, tx.IdTag))
	d.record(tx)

	idTagInfo := types.NewIdTagInfo(types.AuthorizationStatusAccepted)
	return reply{
		payload: core.NewStartTransactionConfirmation(idTagInfo, tx.ID),
		vars: map[string]interface{}{
			"id_tag":         tx.IdTag,
			"transaction_id": tx.ID,
			"connector_id":   tx.ConnectorID,
		},
	}, nil
}

func (d *Dispatcher) rejectStart(s *Session, status types.AuthorizationStatus, cause error) (reply, error) {
	logrus.WithError(cause).WithField("chargePointID", s.id).Warn("Start transaction rejected")
	d.publish(s.id, fmt.Sprintf("StartTransaction rejected (%s): %v", status, cause))
	return reply{
		payload:  core.NewStartTransactionConfirmation(types.NewIdTagInfo(status), 0),
		rejected: true,
	}, nil
}

// onStopTransaction handles StopTransaction requests. Stopping outside
// Charging is rejected; an id that is not the open transaction is a
// GenericError.
func (d *Dispatcher) onStopTransaction(_ context.Context, s *Session, request interface{}) (reply, error) {
	req := request.(*core.StopTransactionRequest)
	logrus.WithFields(logrus.Fields{
		"chargePointID": s.id,
		"transactionId": req.TransactionId,
	}).Info("Stop transaction request received")

	if state := s.State(); state != StateCharging {
		cause := fmt.Errorf("%w: %s in state %s", ErrInvalidStateTransition, EventStopTransaction, state)
		logrus.WithError(cause).WithField("chargePointID", s.id).Warn("Stop transaction rejected")
		d.publish(s.id, fmt.Sprintf("StopTransaction rejected: %v", cause))
		conf := core.NewStopTransactionConfirmation()
		conf.IdTagInfo = types.NewIdTagInfo(types.AuthorizationStatusInvalid)
		return reply{payload: conf, rejected: true}, nil
	}

	stop := d.now()
	if req.Timestamp != nil {
		stop = req.Timestamp.Time
	}
	tx, err := d.transactions.Close(s.id, req.TransactionId, req.MeterStop, stop)
	if err != nil {
		if errors.Is(err, ErrUnknownTransaction) {
			return reply{}, newCallError(GenericError, "%v", err)
		}
		return reply{}, err
	}
	d.record(tx)

	from, mid, err := s.apply(EventStopTransaction)
	if err != nil {
		return reply{}, err
	}
	to := mid
	if _, next, err := s.apply(EventFinished); err == nil {
		to = next
	}
	d.publish(s.id, fmt.Sprintf("StopTransaction: %s -> %s -> %s (transaction %d)", from, mid, to, tx.ID))

	conf := core.NewStopTransactionConfirmation()
	conf.IdTagInfo = types.NewIdTagInfo(types.AuthorizationStatusAccepted)
	return reply{
		payload: conf,
		vars: map[string]interface{}{
			"id_tag":         tx.IdTag,
			"transaction_id": tx.ID,
			"meter_stop":     req.MeterStop,
		},
	}, nil
}

// onStatusNotification handles StatusNotification requests. Connector
// status Preparing and Available move the session between those states.
func (d *Dispatcher) onStatusNotification(_ context.Context, s *Session, request interface{}) (reply, error) {
	req := request.(*core.StatusNotificationRequest)
	logrus.WithFields(logrus.Fields{
		"chargePointID": s.id,
		"connectorId":   req.ConnectorId,
		"status":        req.Status,
		"errorCode":     req.ErrorCode,
	}).Info("Status notification received")

	s.setConnectorStatus(string(req.Status))

	var ev Event
	switch {
	case req.Status == core.ChargePointStatusPreparing && s.State() == StateAvailable:
		ev = EventPreparing
	case req.Status == core.ChargePointStatusAvailable && s.State() == StatePreparing:
		ev = EventAvailable
	}
	if ev != "" {
		if from, to, err := s.apply(ev); err == nil {
			d.publish(s.id, fmt.Sprintf("StatusNotification: %s -> %s", from, to))
		}
	}

	return reply{
		payload: core.NewStatusNotificationConfirmation(),
		vars: map[string]interface{}{
			"connector_id": req.ConnectorId,
			"status":       string(req.Status),
		},
	}, nil
}
