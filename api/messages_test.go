package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr string
	}{
		{
			name:  "valid inbound type",
			frame: `{"type":"quote_subscribe","quote_id":"q1"}`,
		},
		{
			name:  "valid with sequence",
			frame: `{"type":"ping","sequence":42}`,
		},
		{
			name:    "missing type",
			frame:   `{"quote_id":"q1"}`,
			wantErr: "missing type",
		},
		{
			name:    "not json",
			frame:   `hello`,
			wantErr: "malformed frame",
		},
		{
			name:    "unknown type",
			frame:   `{"type":"make_coffee"}`,
			wantErr: `unknown message type "make_coffee"`,
		},
		{
			name:    "server-only type",
			frame:   `{"type":"field:updated"}`,
			wantErr: `server-only`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.frame))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, env.Type)
		})
	}
}

func TestDecodeEnvelopeSequence(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"quote_edit","sequence":7}`))
	require.NoError(t, err)
	require.NotNil(t, env.Sequence)
	assert.Equal(t, uint64(7), *env.Sequence)

	env, err = DecodeEnvelope([]byte(`{"type":"quote_edit"}`))
	require.NoError(t, err)
	assert.Nil(t, env.Sequence)
}

func TestDecodeEnvelopeErrorTypes(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"type":"ack"}`))
	var serverOnly *ServerOnlyMessageTypeError
	require.ErrorAs(t, err, &serverOnly)
	assert.Equal(t, MessageTypeAck, serverOnly.Type)

	_, err = DecodeEnvelope([]byte(`{"type":"nope"}`))
	var unknown *UnknownMessageTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "nope", unknown.Type)
}
