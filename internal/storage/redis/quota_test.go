package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewQuotaStore_Defaults(t *testing.T) {
	s := NewQuotaStore(nil, "  ", 0)

	assert.Equal(t, DefaultPrefix, s.prefix)
	assert.Equal(t, DefaultRetention, s.retention)
}

func TestQuotaStore_KeysShareHashTag(t *testing.T) {
	s := NewQuotaStore(nil, "pricing:quota:", time.Hour)

	assert.Equal(t, []string{
		"pricing:quota:{SPRING10}:used",
		"pricing:quota:{SPRING10}:customers",
		"pricing:quota:{SPRING10}:pending",
	}, s.couponKeys("SPRING10"))
	assert.Equal(t, "pricing:quota:{SPRING10}:reservation:", s.reservationPrefix("SPRING10"))
	assert.Equal(t, "pricing:quota:index:", s.indexPrefix())
}

func TestParseMillis(t *testing.T) {
	at := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	got, err := parseMillis("1749988800000")
	assert.NoError(t, err)
	assert.True(t, at.Equal(got))

	_, err = parseMillis("soon")
	assert.Error(t, err)
}
