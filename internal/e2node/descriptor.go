package e2node

import (
	"encoding/json"
	"fmt"
)

// functionDescriptor is the JSON shape a RANfunctionDefinition blob carries
// on this deployment's wire. The codec treats the blob as opaque bytes; the
// node layer is where its structure is known.
type functionDescriptor struct {
	ID          int    `json:"id"`
	Revision    int    `json:"revision"`
	OID         string `json:"oid"`
	Description string `json:"description"`
}

// ParseFunctionDescriptor decodes one RANfunctionDefinition blob.
func ParseFunctionDescriptor(payload []byte) (RANFunction, error) {
	var desc functionDescriptor
	if err := json.Unmarshal(payload, &desc); err != nil {
		return RANFunction{}, fmt.Errorf("e2node: malformed function descriptor: %w", err)
	}
	return RANFunction{
		ID:          desc.ID,
		Revision:    desc.Revision,
		OID:         desc.OID,
		Description: desc.Description,
	}, nil
}

// EncodeFunctionDescriptor serializes fn as a RANfunctionDefinition blob.
func EncodeFunctionDescriptor(fn RANFunction) ([]byte, error) {
	payload, err := json.Marshal(functionDescriptor{
		ID:          fn.ID,
		Revision:    fn.Revision,
		OID:         fn.OID,
		Description: fn.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("e2node: marshal function descriptor: %w", err)
	}
	return payload, nil
}
