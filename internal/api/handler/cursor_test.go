package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/async-executor/internal/executor/storage"
)

func TestJobCursor_RoundTrip(t *testing.T) {
	cursor := &storage.JobCursor{
		DueTime: time.Date(2026, 1, 1, 12, 30, 0, 123456000, time.UTC),
		JobID:   "6f1c2f4e-8f0b-4a55-9d7a-0f3c3b9f0a11",
	}

	decoded, err := DecodeJobCursor(EncodeJobCursor(cursor))
	require.NoError(t, err)
	assert.True(t, cursor.DueTime.Equal(decoded.DueTime))
	assert.Equal(t, cursor.JobID, decoded.JobID)
}

func TestDecodeJobCursor_Empty(t *testing.T) {
	cursor, err := DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecodeJobCursor_Invalid(t *testing.T) {
	tests := map[string]string{
		"not base64":   "%%%",
		"missing id":   base64.URLEncoding.EncodeToString([]byte("12345|")),
		"no separator": base64.URLEncoding.EncodeToString([]byte("12345")),
		"bad due time": base64.URLEncoding.EncodeToString([]byte("soon|job-1")),
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeJobCursor(raw)
			assert.Error(t, err)
		})
	}
}
