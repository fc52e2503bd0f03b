package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "jo***@example.com", RedactEmail("john.doe@example.com"))
	assert.Equal(t, "***@example.com", RedactEmail("jd@example.com"))
	assert.Equal(t, "***@***", RedactEmail("not-an-email"))
}

func TestRedactPIIValueByKey(t *testing.T) {
	assert.Equal(t, "ad***@example.com", redactPIIValue("email", "ada@example.com"))
	assert.Equal(t, "ad***@example.com", redactPIIValue("recipientEmail", "ada@example.com"))
	assert.Equal(t, "plain", redactPIIValue("message", "plain"))
}

func TestRedactPIIValueFindsEmbeddedAddresses(t *testing.T) {
	got := redactPIIValue("error", "550 rejected for ada@example.com by relay")
	assert.Equal(t, "550 rejected for ad***@example.com by relay", got)
}

func TestSetCategoriesFiltersOutput(t *testing.T) {
	l := New()
	l.SetCategories([]string{"progress", " STEPS "})

	assert.True(t, l.enabled[Progress])
	assert.True(t, l.enabled[Steps])
	assert.False(t, l.enabled[Debug])
	assert.False(t, l.enabled[WorkOrder])
	assert.False(t, l.enabled[WebSocket])
}

func TestSetCategoriesIgnoresUnknownNames(t *testing.T) {
	l := New()
	l.SetCategories([]string{"progress", "nonsense"})
	assert.True(t, l.enabled[Progress])
	assert.False(t, l.enabled[Steps])
}
