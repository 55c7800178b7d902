package protocol

import (
	"encoding/json"
	"testing"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(TypeTransferStarted, TransferStarted{
		Transfer:  "t1",
		Pairing:   "p1",
		Direction: "upload",
		Path:      "/tmp/a.bin",
	})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	if env.V != ProtocolVersion {
		t.Errorf("V = %d, want %d", env.V, ProtocolVersion)
	}
	if env.Type != TypeTransferStarted {
		t.Errorf("Type = %s, want %s", env.Type, TypeTransferStarted)
	}
	if env.ID == "" {
		t.Error("ID is empty")
	}
	if env.At.IsZero() {
		t.Error("At is zero")
	}
	if err := env.ValidateBasic(); err != nil {
		t.Errorf("ValidateBasic() error = %v", err)
	}
}

func TestEnvelope_DecodePayload(t *testing.T) {
	original := TransferFinished{
		Transfer:   "t2",
		Pairing:    "p2",
		Direction:  "download",
		Path:       "/tmp/b.bin",
		Bytes:      5,
		DurationMS: 12,
	}
	env, err := NewEnvelope(TypeTransferFinished, original)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	var got TransferFinished
	if err := decoded.DecodePayload(&got); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if got != original {
		t.Errorf("DecodePayload() = %+v, want %+v", got, original)
	}
}

func TestEnvelope_ValidateBasic(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "valid", env: Envelope{V: ProtocolVersion, Type: "x", ID: "1"}},
		{name: "wrong version", env: Envelope{V: 99, Type: "x", ID: "1"}, wantErr: true},
		{name: "missing type", env: Envelope{V: ProtocolVersion, ID: "1"}, wantErr: true},
		{name: "missing id", env: Envelope{V: ProtocolVersion, Type: "x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.ValidateBasic()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBasic() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvelope_DecodeEmptyPayload(t *testing.T) {
	env, err := NewEnvelope(TypePairingClosed, nil)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	var out PairingClosed
	if err := env.DecodePayload(&out); err == nil {
		t.Error("expected error for empty payload")
	}
}

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
