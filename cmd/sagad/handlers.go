package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sagakit/sagakit/pkg/saga"
)

// demoHandlers returns the step handlers for the demo order saga. Each
// handler fakes its side effect and records it in the saga data bag so the
// diagnostic surface has something to show.
func demoHandlers() []saga.StepHandler {
	return []saga.StepHandler{
		&reserveInventoryHandler{},
		&chargePaymentHandler{},
		&shipOrderHandler{},
	}
}

type reserveInventoryHandler struct{}

func (h *reserveInventoryHandler) StepName() string { return "reserve-inventory" }

func (h *reserveInventoryHandler) Execute(ctx context.Context, state *saga.State) (*saga.StepResult, error) {
	reservationID := uuid.NewString()
	out, _ := json.Marshal(map[string]string{"reservationId": reservationID})
	res := saga.ContinueWith(out)
	res.Data = map[string]string{"reservationId": reservationID}
	return res, nil
}

func (h *reserveInventoryHandler) Compensate(ctx context.Context, state *saga.State) (*saga.StepResult, error) {
	delete(state.Data, "reservationId")
	return saga.Continue(), nil
}

func (h *reserveInventoryHandler) CanExecute(ctx context.Context, state *saga.State) bool {
	return true
}

func (h *reserveInventoryHandler) CanCompensate(ctx context.Context, state *saga.State) bool {
	return state.Data["reservationId"] != ""
}

type chargePaymentHandler struct{}

func (h *chargePaymentHandler) StepName() string { return "charge-payment" }

func (h *chargePaymentHandler) Execute(ctx context.Context, state *saga.State) (*saga.StepResult, error) {
	if state.Data["reservationId"] == "" {
		return saga.Compensate("no inventory reservation to charge against"), nil
	}
	chargeID := fmt.Sprintf("ch_%d", time.Now().UnixNano())
	out, _ := json.Marshal(map[string]string{"chargeId": chargeID})
	res := saga.ContinueWith(out)
	res.Data = map[string]string{"chargeId": chargeID}
	return res, nil
}

func (h *chargePaymentHandler) Compensate(ctx context.Context, state *saga.State) (*saga.StepResult, error) {
	delete(state.Data, "chargeId")
	return saga.Continue(), nil
}

func (h *chargePaymentHandler) CanExecute(ctx context.Context, state *saga.State) bool {
	return state.Data["reservationId"] != ""
}

func (h *chargePaymentHandler) CanCompensate(ctx context.Context, state *saga.State) bool {
	return state.Data["chargeId"] != ""
}

type shipOrderHandler struct{}

func (h *shipOrderHandler) StepName() string { return "ship-order" }

func (h *shipOrderHandler) Execute(ctx context.Context, state *saga.State) (*saga.StepResult, error) {
	out, _ := json.Marshal(map[string]string{"trackingNumber": uuid.NewString()})
	return saga.ContinueWith(out), nil
}

// Compensate for shipping is a no-op; a shipped order is recalled out of
// band.
func (h *shipOrderHandler) Compensate(ctx context.Context, state *saga.State) (*saga.StepResult, error) {
	return saga.Continue(), nil
}

func (h *shipOrderHandler) CanExecute(ctx context.Context, state *saga.State) bool {
	return state.Data["chargeId"] != ""
}

func (h *shipOrderHandler) CanCompensate(ctx context.Context, state *saga.State) bool {
	return true
}
