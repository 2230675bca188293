package models

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateRejectsBlankContent(t *testing.T) {
	for _, content := range []string{"", " ", "\t\n  "} {
		msg := ChatMessage{Kind: KindChat, Content: content}
		require.ErrorIs(t, msg.Validate(), ErrEmptyContent)
	}
}

func TestValidateContentLength(t *testing.T) {
	ok := ChatMessage{Kind: KindChat, Content: strings.Repeat("가", MaxContentLength)}
	require.NoError(t, ok.Validate())

	long := ChatMessage{Kind: KindChat, Content: strings.Repeat("a", MaxContentLength+1)}
	require.ErrorIs(t, long.Validate(), ErrContentTooLong)
}

func TestValidatePresenceKindsWithoutContent(t *testing.T) {
	require.NoError(t, ChatMessage{Kind: KindLeave}.Validate())
	require.ErrorIs(t, ChatMessage{Kind: "PING", Content: "x"}.Validate(), ErrUnknownKind)
}

func TestChatMessageWireNames(t *testing.T) {
	body, err := json.Marshal(ChatMessage{Kind: KindChat, ConversationID: 7, SenderID: 1, ReceiverID: 2, Content: "hello"})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))
	require.Equal(t, "CHAT", raw["type"])
	require.EqualValues(t, 7, raw["matchId"])
	require.Equal(t, "hello", raw["content"])
	require.NotContains(t, raw, "timestamp")
}

func TestMessagePageHasMore(t *testing.T) {
	five := make([]ChatMessage, 5)
	require.True(t, MessagePage{Messages: five, PageIndex: 0, TotalPages: 2}.HasMore())
	require.False(t, MessagePage{Messages: five, PageIndex: 1, TotalPages: 2}.HasMore())
	require.False(t, MessagePage{PageIndex: 0, TotalPages: 3}.HasMore())
}
