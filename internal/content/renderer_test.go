package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	r := NewRenderer()

	out, err := r.Render("", "Hi {{ first_name | default: \"there\" }}, your recall is due.", map[string]interface{}{
		"first_name": "maria",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi maria, your recall is due.", out)

	out, err = r.Render("", "Hi {{ first_name | default: \"there\" }}!", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", out)
}

func TestRender_Filters(t *testing.T) {
	r := NewRenderer()
	vars := map[string]interface{}{"name": "jOHN", "code": "4-81", "note": "abcdefghij"}

	out, err := r.Render("", "{{ name | capitalize }} {{ code | spell_digits }} {{ note | truncate: 6 }}", vars)
	require.NoError(t, err)
	assert.Equal(t, "John 4 8 1 abc...", out)
}

func TestRender_CachesByKey(t *testing.T) {
	r := NewRenderer()
	vars := map[string]interface{}{"first_name": "Ann"}

	out, err := r.Render("wf:1:0:body", "Hello {{ first_name }}", vars)
	require.NoError(t, err)
	assert.Equal(t, "Hello Ann", out)

	// A cached key ignores the template string.
	out, err = r.Render("wf:1:0:body", "changed", vars)
	require.NoError(t, err)
	assert.Equal(t, "Hello Ann", out)
}

func TestCheck(t *testing.T) {
	r := NewRenderer()
	assert.NoError(t, r.Check("Hi {{ first_name }}"))
	assert.Error(t, r.Check("Hi {% if %}"))
	_, err := r.Render("", "{% for %}", nil)
	assert.Error(t, err)
}
