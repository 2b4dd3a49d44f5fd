// ABOUTME: Tests for the frame envelope constructors and their JSON shape
// ABOUTME: Error responses must carry an explicit ok:false on the wire

package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorResponse_SerializesExplicitOKFalse(t *testing.T) {
	f := ErrorResponse("r1", CodeBadParams, "missing conversation_id")

	raw, err := json.Marshal(f)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))

	okField, present := fields["ok"]
	require.True(t, present, "error responses carry ok:false, not an absent field")
	assert.JSONEq(t, "false", string(okField))
	assert.Contains(t, string(raw), `"code":"bad_params"`)
}

func TestResponse_SerializesOKTrue(t *testing.T) {
	f, err := Response("r1", HealthResult{Status: "ok"})
	require.NoError(t, err)

	raw, err := json.Marshal(f)
	require.NoError(t, err)

	var decoded Frame
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.True(t, decoded.OK)
	assert.Equal(t, TypeResponse, decoded.Type)
}

func TestRequest_MarshalsParams(t *testing.T) {
	f, err := Request("r1", MethodListMessages, ConversationParams{ConversationID: "c1"})
	require.NoError(t, err)

	var params ConversationParams
	require.NoError(t, json.Unmarshal(f.Params, &params))
	assert.Equal(t, "c1", params.ConversationID)
}
