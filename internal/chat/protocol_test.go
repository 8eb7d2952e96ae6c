package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest(t *testing.T) {
	t.Run("add keeps its kind", func(t *testing.T) {
		req, err := DecodeRequest([]byte(`{"type":"add","id":"m1","content":"hi","user":"Alice","role":"user","channelId":"general","sessionId":"s1"}`))
		require.NoError(t, err)
		msg, ok := req.(SendMessage)
		require.True(t, ok)
		assert.Equal(t, TypeAdd, msg.Type())
		assert.Equal(t, "s1", msg.Session())
		assert.Equal(t, "general", msg.ChannelID)
	})

	t.Run("update", func(t *testing.T) {
		req, err := DecodeRequest([]byte(`{"type":"update","id":"m1","content":"hi"}`))
		require.NoError(t, err)
		assert.Equal(t, TypeUpdate, req.Type())
		assert.Empty(t, req.Session())
	})

	t.Run("anonymous confirm needs no name", func(t *testing.T) {
		req, err := DecodeRequest([]byte(`{"type":"confirm_name","sessionId":"s1","isAnon":true}`))
		require.NoError(t, err)
		assert.Equal(t, ConfirmName{SessionID: "s1", IsAnon: true}, req)
	})

	t.Run("mark read", func(t *testing.T) {
		req, err := DecodeRequest([]byte(`{"type":"mark_read","sessionId":"s1","chatType":"private","chatId":"s2"}`))
		require.NoError(t, err)
		assert.Equal(t, MarkRead{SessionID: "s1", ChatType: ChatTypePrivate, ChatID: "s2"}, req)
	})
}

func TestDecodeRequestErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{"type":`, ErrInvalidEnvelope},
		{"missing type", `{"name":"Alice"}`, ErrInvalidEnvelope},
		{"unknown type", `{"type":"shout"}`, ErrUnknownEnvelope},
		{"wrong field type", `{"type":"reserve_name","name":42,"sessionId":"s1"}`, ErrInvalidEnvelope},
		{"missing session", `{"type":"reserve_name","name":"Alice"}`, ErrInvalidEnvelope},
		{"blank name", `{"type":"confirm_name","name":"  ","sessionId":"s1"}`, ErrInvalidEnvelope},
		{"message without id", `{"type":"add","content":"hi"}`, ErrInvalidEnvelope},
		{"private without recipient", `{"type":"add","id":"m1","isPrivate":true}`, ErrInvalidEnvelope},
		{"join without channel", `{"type":"join_channel","sessionId":"s1"}`, ErrInvalidEnvelope},
		{"bad chat type", `{"type":"mark_read","sessionId":"s1","chatType":"global","chatId":"x"}`, ErrInvalidEnvelope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequest([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncodePutsTypeFirst(t *testing.T) {
	payload, err := Encode(NameTaken{Name: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"name_taken","name":"Alice"}`, string(payload))

	payload, err = Encode(UserJoined{Name: AnonLabel})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"user_joined","name":"Anon"}`, string(payload))

	payload, err = Encode(MessageEvent{Kind: TypeUpdate, ChatMessage: ChatMessage{
		ID: "m1", Content: "hi", User: "Alice", Role: RoleUser, Timestamp: 42,
		ChannelID: "general", SessionID: "s1", author: "s1",
	}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"update","id":"m1","content":"hi","user":"Alice","role":"user","timestamp":42,"channelId":"general","sessionId":"s1"}`, string(payload))
	assert.Contains(t, string(payload), `{"type":"update",`)
}

func TestEncodeEmptyCollections(t *testing.T) {
	payload, err := Encode(HistoryEvent{Messages: []ChatMessage{}})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"all","messages":[]}`, string(payload))
}
