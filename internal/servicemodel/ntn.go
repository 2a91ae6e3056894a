package servicemodel

import "fmt"

// NTNHandler implements E2SM-NTN: non-terrestrial-network event triggers
// keyed on satellite-beam handover windows, supporting both report and
// policy actions. The function id is a deployment-time configuration value
// (E2TC_NTN_FUNCTION_ID), never hardcoded in the core.
type NTNHandler struct {
	functionID int
}

// NewNTNHandler constructs the E2SM-NTN handler bound to functionID.
func NewNTNHandler(functionID int) *NTNHandler {
	return &NTNHandler{functionID: functionID}
}

func (h *NTNHandler) FunctionID() int     { return h.functionID }
func (h *NTNHandler) Description() string { return "E2SM-NTN satellite beam event" }
func (h *NTNHandler) OID() string         { return "1.3.6.1.4.1.53148.1.2.2.10" }

// ValidateEventTrigger requires a non-empty trigger describing the
// handover-window condition that arms the subscription.
func (h *NTNHandler) ValidateEventTrigger(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("ntn: event trigger must describe a handover window")
	}
	return nil
}

// ValidateAction accepts "report" and "policy" action types.
func (h *NTNHandler) ValidateAction(actionType string, payload []byte) error {
	switch actionType {
	case "report", "policy":
	default:
		return fmt.Errorf("ntn: unsupported action type %q", actionType)
	}
	if len(payload) == 0 {
		return fmt.Errorf("ntn: %s action requires a payload", actionType)
	}
	return nil
}
