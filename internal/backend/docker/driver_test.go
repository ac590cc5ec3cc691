package docker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindJSONLine_CleanJSON(t *testing.T) {
	input := []byte(`{"id":"test","type":"result"}`)
	result := findJSONLine(input)
	assert.NotNil(t, result)
	assert.Contains(t, string(result), `"id":"test"`)
}

func TestFindJSONLine_MultipleLines(t *testing.T) {
	input := []byte("some log output\n{\"id\":\"test\",\"type\":\"result\"}\nmore output\n")
	result := findJSONLine(input)
	assert.NotNil(t, result)
	assert.Contains(t, string(result), `"id":"test"`)
}

func TestFindJSONLine_NoJSON(t *testing.T) {
	result := findJSONLine([]byte("no json here at all"))
	assert.Nil(t, result)
}

func TestFindJSONLine_EmptyInput(t *testing.T) {
	result := findJSONLine([]byte{})
	assert.Nil(t, result)
}

func TestFindJSONLine_LeadingNoise(t *testing.T) {
	input := append([]byte{0x01, 0x00, 0x00, 0x00}, []byte(`{"type":"ready"}`)...)
	result := findJSONLine(input)
	assert.NotNil(t, result)
	assert.Contains(t, string(result), `"type":"ready"`)
}

func TestEnvVolumeName(t *testing.T) {
	assert.Equal(t, "isopod-env-abcdef123456", envVolumeName("abcdef1234567890deadbeef"))
	assert.Equal(t, "isopod-env-short", envVolumeName("short"))
}
