package request

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type createGroupBody struct {
	Name    string `json:"name" validate:"required,slug"`
	Dynamic bool   `json:"dynamic"`
}

func TestDecode_Valid(t *testing.T) {
	r := httptest.NewRequest("POST", "/groups", strings.NewReader(`{"name":"web-servers","dynamic":true}`))
	var body createGroupBody
	require.NoError(t, Decode(r, &body))
	assert.Equal(t, "web-servers", body.Name)
	assert.True(t, body.Dynamic)
}

func TestDecode_InvalidJSON(t *testing.T) {
	r := httptest.NewRequest("POST", "/groups", strings.NewReader(`{name:`))
	var body createGroupBody
	err := Decode(r, &body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")
}

func TestDecode_ValidationFailure(t *testing.T) {
	r := httptest.NewRequest("POST", "/groups", strings.NewReader(`{"dynamic":true}`))
	var body createGroupBody
	err := Decode(r, &body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation error")
}

func TestDecode_SlugRejectsUppercaseAndSpaces(t *testing.T) {
	for _, name := range []string{"Web", "web servers", "-leading", ""} {
		r := httptest.NewRequest("POST", "/groups", strings.NewReader(`{"name":"`+name+`"}`))
		var body createGroupBody
		assert.Error(t, Decode(r, &body), "name %q should be rejected", name)
	}
}

func TestRequireID(t *testing.T) {
	id, err := RequireID("node-1")
	require.NoError(t, err)
	assert.Equal(t, "node-1", id)

	_, err = RequireID("")
	assert.Error(t, err)
}
