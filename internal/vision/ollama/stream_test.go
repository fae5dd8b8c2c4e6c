package ollama

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remimikalsen/local-image-description-ha/internal/logging"
	"github.com/remimikalsen/local-image-description-ha/internal/vision"
)

// failingReader yields data and then a read error.
type failingReader struct {
	data io.Reader
}

func (f *failingReader) Read(p []byte) (int, error) {
	n, err := f.data.Read(p)
	if err == io.EOF {
		return n, errors.New("connection reset")
	}
	return n, err
}

func TestCollectStream(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty body", input: "", want: ""},
		{name: "no space after prefix", input: "data:{\"response\":\"A\"}\ndata:[DONE]\n", want: "A"},
		{name: "crlf lines", input: "data: {\"response\":\"A\"}\r\ndata: {\"response\":\"B\"}\r\n", want: "AB"},
		{name: "comments skipped", input: ": keepalive\nid: 1\ndata: {\"response\":\"A\",\"done\":true}\n", want: "A"},
		{name: "no terminator", input: "data: {\"response\":\"A\"}\ndata: {\"response\":\"B\"}\n", want: "AB"},
		{name: "missing response field", input: "data: {\"model\":\"m\"}\ndata: {\"response\":\"B\"}\n", want: "B"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := collectStream(strings.NewReader(tt.input), logging.Discard())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCollectStreamReadErrorKeepsPartial(t *testing.T) {
	r := &failingReader{data: strings.NewReader("data: {\"response\":\"half\"}\n")}

	got, err := collectStream(r, logging.Discard())

	require.NoError(t, err)
	assert.Equal(t, "half", got)
}

func TestCollectStreamReadErrorWithoutOutput(t *testing.T) {
	r := &failingReader{data: strings.NewReader("")}

	_, err := collectStream(r, logging.Discard())

	assert.ErrorIs(t, err, vision.ErrGenerate)
}
