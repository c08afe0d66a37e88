package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func encodeTestUser(nickname string) []byte {
	var b []byte
	b = appendVarintField(b, 1, 101)
	b = appendBytesField(b, 3, []byte(nickname))
	return b
}

func encodeTestChat(nickname, content string) []byte {
	var b []byte
	b = appendBytesField(b, 2, encodeTestUser(nickname))
	b = appendBytesField(b, 3, []byte(content))
	return b
}

func encodeTestGift(nickname, describe string, diamonds uint64) []byte {
	var gift []byte
	gift = appendBytesField(gift, 2, []byte(describe))
	gift = appendVarintField(gift, 12, diamonds)

	var b []byte
	b = appendBytesField(b, 7, encodeTestUser(nickname))
	b = appendBytesField(b, 15, gift)
	return b
}

func TestDecodeChatMessage_PreservesFieldNames(t *testing.T) {
	msg, err := DecodeChatMessage(encodeTestChat("Alice", "hi"))
	require.NoError(t, err)

	require.NotNil(t, msg.User)
	assert.Equal(t, "Alice", msg.User.Nickname)
	assert.Equal(t, "hi", msg.Content)

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	assert.Contains(t, string(data), `"user":{"id":"101","nickname":"Alice"}`)
	assert.Contains(t, string(data), `"content":"hi"`)
}

func TestDecodeGiftMessage(t *testing.T) {
	msg, err := DecodeGiftMessage(encodeTestGift("Bob", "Rose", 30))
	require.NoError(t, err)

	require.NotNil(t, msg.User)
	assert.Equal(t, "Bob", msg.User.Nickname)
	require.NotNil(t, msg.Gift)
	assert.Equal(t, "Rose", msg.Gift.Describe)
	assert.Equal(t, uint64(30), msg.Gift.DiamondCount)

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"describe":"Rose"`)
	assert.Contains(t, string(data), `"diamondCount":30`)
}

func TestDecodeMemberMessage(t *testing.T) {
	var b []byte
	b = appendBytesField(b, 2, encodeTestUser("Carol"))
	b = appendVarintField(b, 3, 215)

	msg, err := DecodeMemberMessage(b)
	require.NoError(t, err)

	assert.Equal(t, "Carol", msg.User.Nickname)
	assert.Equal(t, uint64(215), msg.MemberCount)
}

func TestDecodeSocialMessage(t *testing.T) {
	var b []byte
	b = appendBytesField(b, 2, encodeTestUser("Dave"))
	b = appendVarintField(b, 4, 1)

	msg, err := DecodeSocialMessage(b)
	require.NoError(t, err)

	assert.Equal(t, "Dave", msg.User.Nickname)
	assert.Equal(t, uint64(1), msg.Action)
}

func TestDecodeChatMessage_UnknownFieldsIgnored(t *testing.T) {
	b := encodeTestChat("Alice", "hi")
	// Unknown high-numbered field must not break decoding.
	b = appendVarintField(b, 90, 7)

	msg, err := DecodeChatMessage(b)
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Content)
}

func TestDecodeChatMessage_Malformed(t *testing.T) {
	data := protowire.AppendTag(nil, 3, protowire.BytesType)
	_, err := DecodeChatMessage(data)
	require.Error(t, err)
}
