package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_UpstreamDisconnectedAlwaysHasReason(t *testing.T) {
	assert.JSONEq(t, `{"type":"openai_disconnected","code":1000,"reason":""}`,
		string(Encode(UpstreamDisconnected(1000, ""))))
	assert.JSONEq(t, `{"type":"openai_disconnected","code":1011,"reason":"boom"}`,
		string(Encode(UpstreamDisconnected(1011, "boom"))))
}

func TestEncode_OmitsUnusedFields(t *testing.T) {
	assert.JSONEq(t, `{"type":"session_ended"}`, string(Encode(SessionEnded())))
	assert.JSONEq(t, `{"type":"error","message":"bad","code":"NO_SESSION"}`,
		string(Encode(Error("bad", "NO_SESSION", ""))))
}

func TestDecode_CloseAndErrorCodes(t *testing.T) {
	m, err := Decode(Encode(UpstreamDisconnected(1006, "")))
	require.NoError(t, err)
	assert.Equal(t, TypeUpstreamDisconnect, m.Type)
	assert.Equal(t, 1006, m.CloseCode())
	assert.Empty(t, m.ErrorCode())

	m, err = Decode(Encode(Error("x", "UPSTREAM_CLOSED", "d")))
	require.NoError(t, err)
	assert.Equal(t, "UPSTREAM_CLOSED", m.ErrorCode())
	assert.Zero(t, m.CloseCode())
}
