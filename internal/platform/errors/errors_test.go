package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := Wrap(CodeTransport, "write to host", fmt.Errorf("broken pipe"))

	assert.ErrorIs(t, err, New(CodeTransport, "other message"))
	assert.NotErrorIs(t, err, New(CodeProtocol, "write to host"))
	assert.Equal(t, "write to host: broken pipe", err.Error())
}

func TestCodeOfAndMessageOfWalkChain(t *testing.T) {
	inner := New(CodeValidation, "invalid code or token")
	wrapped := fmt.Errorf("handle init: %w", inner)

	assert.Equal(t, CodeValidation, CodeOf(wrapped))
	assert.Equal(t, "invalid code or token", MessageOf(wrapped))
	assert.Equal(t, CodeUnknown, CodeOf(fmt.Errorf("plain")))
	assert.Equal(t, "plain", MessageOf(fmt.Errorf("plain")))
	assert.Empty(t, MessageOf(nil))
}

func TestCodeReplyPolicy(t *testing.T) {
	assert.True(t, CodeProtocol.Reply())
	assert.True(t, CodeValidation.Reply())
	assert.True(t, CodePeerUnavailable.Reply())
	assert.True(t, CodeStorage.Reply())
	assert.False(t, CodeTransport.Reply())
	assert.False(t, CodeUnknown.Reply())
}

func TestCodeHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, CodeNotFound.HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, CodeInvalidArgument.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, CodeExhausted.HTTPStatus())
}
