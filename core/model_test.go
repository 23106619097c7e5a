package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFriend_UnmarshalJSON(t *testing.T) {
	tcs := []struct {
		name string
		body string
		exp  string
	}{
		{name: "avatarUrl", body: `{"uid":"bob","avatarUrl":"https://a/bob.png"}`, exp: "https://a/bob.png"},
		{name: "avatar", body: `{"uid":"bob","avatar":"https://a/old.png"}`, exp: "https://a/old.png"},
		{name: "both", body: `{"uid":"bob","avatarUrl":"https://a/bob.png","avatar":"https://a/old.png"}`, exp: "https://a/bob.png"},
		{name: "none", body: `{"uid":"bob","displayName":"Bob","isOnline":true}`, exp: ""},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			var f Friend
			require.NoError(t, json.Unmarshal([]byte(tc.body), &f))
			assert.Equal(t, "bob", f.UID)
			assert.Equal(t, tc.exp, f.AvatarURL)
		})
	}

	var f Friend
	require.NoError(t, json.Unmarshal([]byte(`{"uid":"bob","displayName":"Bob","isOnline":true}`), &f))
	assert.Equal(t, "Bob", f.DisplayName)
	assert.True(t, f.IsOnline)

	out, err := json.Marshal(Friend{UID: "bob", AvatarURL: "https://a/bob.png"})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"avatarUrl":"https://a/bob.png"`)
}
