package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidSignature(t *testing.T) {
	body := []byte("<feed/>")
	mac := hmac.New(sha1.New, []byte("secret"))
	mac.Write(body)
	good := "sha1=" + hex.EncodeToString(mac.Sum(nil))

	assert.True(t, validSignature("secret", body, good))
	assert.False(t, validSignature("other", body, good))
	assert.False(t, validSignature("secret", []byte("<feed></feed>"), good))
	assert.False(t, validSignature("secret", body, ""))
	assert.False(t, validSignature("secret", body, "md5=abcd"))
	assert.False(t, validSignature("secret", body, "sha1=zz"))
}

func TestSplitLinks(t *testing.T) {
	links := splitLinks(`<https://pubsubhubbub.appspot.com>; rel=hub, <https://www.youtube.com/xml/feeds/videos.xml?channel_id=UC1>; rel="self"`)

	assert.Len(t, links, 2)
	assert.Equal(t, "hub", links[0].rel)
	assert.Equal(t, "self", links[1].rel)
	assert.Equal(t, "https://www.youtube.com/xml/feeds/videos.xml?channel_id=UC1", links[1].url)
}
