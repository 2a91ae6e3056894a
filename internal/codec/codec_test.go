package codec

import (
	"bytes"
	"testing"
)

func TestRoundTripEveryProcedure(t *testing.T) {
	c := New()
	procedures := []ProcedureCode{
		ProcedureSetup, ProcedureSubscriptionReq, ProcedureSubscriptionResp,
		ProcedureSubscriptionFail, ProcedureSubscriptionDelReq, ProcedureSubscriptionDelResp,
		ProcedureIndication, ProcedureControlRequest, ProcedureControlAck,
		ProcedureControlFailure, ProcedureErrorIndication, ProcedureSubscriptionDelFail,
		ProcedureConfigUpdate, ProcedureConfigUpdateAck, ProcedureServiceUpdate,
		ProcedureServiceUpdateAck, ProcedureReset, ProcedureResetAck,
		ProcedureSetupResp, ProcedureSetupFail,
	}
	for _, proc := range procedures {
		pdu := PDU{
			Procedure:     proc,
			TransactionID: 7,
			RICRequestID:  42,
			IEs: []IE{
				{Tag: IETagRANFunctionID, Payload: []byte{0x01}},
				{Tag: IETagIndicationMsg, Payload: []byte("hello world")},
			},
		}
		frame, err := c.Encode(pdu)
		if err != nil {
			t.Fatalf("Encode(%v): %v", proc, err)
		}
		decoded, err := c.Decode(frame)
		if err != nil {
			t.Fatalf("Decode(%v): %v", proc, err)
		}
		if decoded.Procedure != pdu.Procedure || decoded.TransactionID != pdu.TransactionID || decoded.RICRequestID != pdu.RICRequestID {
			t.Fatalf("round trip mismatch for %v: got %+v", proc, decoded)
		}
		if len(decoded.IEs) != len(pdu.IEs) {
			t.Fatalf("expected %d IEs, got %d", len(pdu.IEs), len(decoded.IEs))
		}
		for i, ie := range decoded.IEs {
			if ie.Tag != pdu.IEs[i].Tag || !bytes.Equal(ie.Payload, pdu.IEs[i].Payload) {
				t.Fatalf("IE %d mismatch: got %+v want %+v", i, ie, pdu.IEs[i])
			}
		}
	}
}

func TestDecodeEmptyFrame(t *testing.T) {
	if _, err := New().Decode(nil); err != ErrEmptyFrame {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
}

func TestDecodeUnknownProcedure(t *testing.T) {
	_, err := New().Decode([]byte{0xFF, 0, 0, 0, 0, 0, 0, 0, 0})
	var codecErr *Error
	if err == nil {
		t.Fatal("expected error for unknown procedure")
	}
	if !asError(err, &codecErr) || codecErr.Kind != KindUnknownProc {
		t.Fatalf("expected KindUnknownProc, got %v", err)
	}
}

func TestDecodeTruncatedFrame(t *testing.T) {
	_, err := New().Decode([]byte{byte(ProcedureSetup), 0x00})
	var codecErr *Error
	if !asError(err, &codecErr) || codecErr.Kind != KindLengthMismatch {
		t.Fatalf("expected KindLengthMismatch, got %v", err)
	}
}

func TestDecodeRejectsHostileIELength(t *testing.T) {
	c := New()
	frame, err := c.Encode(PDU{Procedure: ProcedureIndication, IEs: []IE{
		{Tag: IETagIndicationMsg, Payload: []byte("x")},
	}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	//1.- Overwrite the IE length field (tag is 2 bytes after the 9-byte
	// envelope) with a value far beyond the frame's remaining bytes.
	frame[11] = 0xFF
	frame[12] = 0xFF
	_, err = c.Decode(frame)
	var codecErr *Error
	if !asError(err, &codecErr) || codecErr.Kind != KindLengthMismatch {
		t.Fatalf("expected KindLengthMismatch for hostile length, got %v", err)
	}
}

func TestDecodeTrailingBytesIsMalformed(t *testing.T) {
	c := New()
	frame, err := c.Encode(PDU{Procedure: ProcedureSetup, TransactionID: 1, RICRequestID: 1})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	frame = append(frame, 0x01, 0x02)
	_, err = c.Decode(frame)
	var codecErr *Error
	if !asError(err, &codecErr) || codecErr.Kind != KindMalformed {
		t.Fatalf("expected KindMalformed, got %v", err)
	}
}

func asError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
