package recording

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSink_EmptyURLIsDisabledNoop(t *testing.T) {
	s, err := NewSink("", zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, s)

	// A disabled sink never touches a connection; RecordInstruction must
	// not panic even though conn is nil.
	assert.NotPanics(t, func() {
		s.RecordInstruction("session-1", []byte("1.a,;"))
	})
}

func TestNewSink_MalformedURLReturnsError(t *testing.T) {
	_, err := NewSink("://not-a-valid-url", zerolog.Nop())
	assert.Error(t, err)
}

func TestSubject_IsStablePerSession(t *testing.T) {
	assert.Equal(t, "gateway.recording.sess-1", subject("sess-1"))
	assert.NotEqual(t, subject("sess-1"), subject("sess-2"))
}

func TestSink_CloseOnDisabledSinkIsNoop(t *testing.T) {
	s, err := NewSink("", zerolog.Nop())
	require.NoError(t, err)
	assert.NotPanics(t, s.Close)
}
