package transport

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("connection refused")
	tests := []struct {
		err  *Error
		want string
	}{
		{&Error{Op: OpAddFavorite, Status: 409, Message: "already favorited"}, "AddFavorite: status 409: already favorited"},
		{&Error{Op: OpAddFavorite, Status: 500}, "AddFavorite: status 500"},
		{&Error{Op: OpAddFavorite, Err: cause}, "AddFavorite: connection refused"},
		{&Error{Op: OpAddFavorite}, "AddFavorite: request failed"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.err.Error())
	}
}

func TestErrorHelpers(t *testing.T) {
	cause := errors.New("connection refused")
	wrapped := fmt.Errorf("toggle: %w", &Error{Op: OpFollowUser, Status: 403, Message: "private profile", Err: cause})

	assert.Equal(t, "private profile", ServerMessage(wrapped))
	assert.Equal(t, 403, StatusOf(wrapped))
	assert.ErrorIs(t, wrapped, cause)

	assert.Equal(t, "", ServerMessage(cause))
	assert.Equal(t, 0, StatusOf(cause))
}
