package cache

import (
	"testing"
	"time"

	"github.com/agentuity/go-reportcache/report"
	"github.com/stretchr/testify/assert"
)

func TestDefaultTTLPolicy(t *testing.T) {
	p := DefaultTTLPolicy()
	assert.Equal(t, 2*time.Hour, p.For(report.KindReadingStats))
	assert.Equal(t, time.Hour, p.For("book_list"))
	assert.Equal(t, time.Hour, p.For(report.KindSystem))
	assert.Equal(t, time.Hour, p.For("SOMETHING_ELSE"))

	p.System = 3 * time.Hour
	assert.Equal(t, 3*time.Hour, p.For(" system "))
}
