package servicemodel

import (
	"fmt"
)

// KPMHandler implements E2SM-KPM: periodic measurement report subscriptions.
// The function id is deployment-configurable (E2TC_KPM_FUNCTION_ID), never
// hardcoded, matching the NTN handler's resolution of the same open
// question.
type KPMHandler struct {
	functionID int
}

// NewKPMHandler constructs the E2SM-KPM handler bound to functionID.
func NewKPMHandler(functionID int) *KPMHandler {
	return &KPMHandler{functionID: functionID}
}

func (h *KPMHandler) FunctionID() int     { return h.functionID }
func (h *KPMHandler) Description() string { return "E2SM-KPM measurement report" }
func (h *KPMHandler) OID() string         { return "1.3.6.1.4.1.53148.1.2.2.2" }

// ValidateEventTrigger requires a non-empty trigger carrying at least a
// report period; the byte layout is a deployment-specific serialization of
// that period, which this core does not otherwise interpret.
func (h *KPMHandler) ValidateEventTrigger(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("kpm: event trigger must carry a report period")
	}
	return nil
}

// ValidateAction accepts only the "report" action type used by KPM.
func (h *KPMHandler) ValidateAction(actionType string, payload []byte) error {
	if actionType != "report" {
		return fmt.Errorf("kpm: unsupported action type %q", actionType)
	}
	if len(payload) == 0 {
		return fmt.Errorf("kpm: report action requires a measurement definition payload")
	}
	return nil
}
