package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIntakeMessage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		payload json.RawMessage
		wantErr bool
	}{
		{name: "object", payload: json.RawMessage(`{"activity":"approve"}`)},
		{name: "string", payload: json.RawMessage(`"opaque"`)},
		{name: "missing", payload: nil, wantErr: true},
		{name: "null", payload: json.RawMessage(`null`), wantErr: true},
		{name: "padded null", payload: json.RawMessage(" null\n"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := IntakeMessage{Payload: tt.payload}
			err := msg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPayload)
				return
			}
			assert.NoError(t, err)
		})
	}
}
