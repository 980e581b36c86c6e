package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name     string   `json:"name" validate:"required"`
	Priority string   `json:"priority" validate:"omitempty,oneof=High Medium Low"`
	Types    []string `json:"types" validate:"required,min=1"`
	Port     int      `mapstructure:"PORT" validate:"min=1,max=65535"`
}

func TestValidate_OK(t *testing.T) {
	v := New()
	err := v.Validate(&sample{Name: "p1", Priority: "High", Types: []string{"Bed"}, Port: 8000})
	assert.NoError(t, err)
}

func TestValidate_ReportsJSONNames(t *testing.T) {
	v := New()
	err := v.Validate(&sample{Priority: "Urgent", Port: 8000})
	require.Error(t, err)

	msg := err.Error()
	assert.True(t, strings.HasPrefix(msg, "validation failed: "))
	assert.Contains(t, msg, "sample.name failed required")
	assert.Contains(t, msg, "sample.priority failed oneof=High Medium Low")
	assert.Contains(t, msg, "sample.types failed required")
}

func TestValidate_ReportsMapstructureNames(t *testing.T) {
	v := New()
	err := v.Validate(&sample{Name: "p1", Types: []string{"Bed"}, Port: 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sample.PORT failed min=1")
}

func TestValidate_NonStruct(t *testing.T) {
	v := New()
	assert.Error(t, v.Validate("not a struct"))
}
