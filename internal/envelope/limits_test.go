package envelope

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEventName(t *testing.T) {
	for _, name := range []string{"ping", "blob.put", "rule.register", "a.b.c-d_e", "UP.low.9"} {
		assert.NoError(t, ValidateEventName(name), name)
	}
	for _, name := range []string{"", ".", "a.", ".a", "a..b", "has space", "semi;colon", string([]byte{0xff, 0xfe})} {
		assert.Error(t, ValidateEventName(name), "%q", name)
	}

	long := string(bytes.Repeat([]byte("x"), MaxEventNameLength+1))
	assert.Error(t, ValidateEventName(long))
}

func TestCheckFrameSize(t *testing.T) {
	assert.NoError(t, CheckFrameSize(make([]byte, MaxFrameSize)))
	assert.Error(t, CheckFrameSize(make([]byte, MaxFrameSize+1)))
}

func TestParseFrameRejectsOversized(t *testing.T) {
	big := make([]byte, MaxFrameSize+1)
	_, err := ParseFrame(big)
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}
