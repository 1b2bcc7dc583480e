package errors

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithContext(t *testing.T) {
	assert.NoError(t, WithContext(nil, "ignored"))

	err := WithContext(WithContext(FileNotFound{Path: "/a"}, "stat"), "upload")
	assert.EqualError(t, err, `upload: stat: "/a" does not exist`)
	assert.Equal(t, FileNotFound{Path: "/a"}, RootCause(err))

	var notFound FileNotFound
	assert.True(t, As(err, &notFound))
	assert.Equal(t, "/a", notFound.Path)
}

func TestIsUnwrapsTypedErrors(t *testing.T) {
	err := WithContext(ConnectivityError{Host: "example.com", Err: os.ErrDeadlineExceeded}, "connect")
	assert.True(t, Is(err, os.ErrDeadlineExceeded))

	err = AuthenticationError{Host: "example.com", User: "dev", Err: assert.AnError}
	assert.True(t, Is(err, assert.AnError))
}

func TestGetPrintableMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		exp  string
	}{
		{
			name: "Friendly error hides context",
			err:  WithContext(NewFriendlyError("Bad config %q", "x"), "parse"),
			exp:  `Bad config "x"`,
		},
		{
			name: "Typed friendly error",
			err: WithContext(HostKeyUnverifiedError{
				Host: "example.com", KnownHosts: "~/.ssh/known_hosts", Reason: "unknown host",
			}, "connect"),
			exp: "The host key for example.com could not be verified (unknown host).\n" +
				"Add the host to ~/.ssh/known_hosts, for example by connecting once " +
				"with `ssh`, and try again.",
		},
		{
			name: "Plain error keeps context",
			err:  WithContext(New("boom"), "upload"),
			exp:  "upload: boom",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.exp, GetPrintableMessage(test.err))
		})
	}
}
