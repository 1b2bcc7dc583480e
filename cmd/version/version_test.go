package version

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sidkik/sftpwatch/pkg/version"
)

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	cmd := New()
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	assert.NoError(t, cmd.Execute())
	assert.Equal(t, "sftpwatch version: "+version.EmptyValue+"\n", out.String())
}
