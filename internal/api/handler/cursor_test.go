package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborview/inspection-be/internal/jobstore"
)

func TestJobCursor_RoundTrip(t *testing.T) {
	in := &jobstore.Cursor{
		CreatedAt: time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC),
		JobID:     "a2f1c9e4-8f7b-4c6d-9e2a-1b3c5d7e9f0a",
	}

	token, err := EncodeJobCursor(in)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	out, err := DecodeJobCursor(token)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.Equal(t, in.JobID, out.JobID)
}

func TestDecodeJobCursor_Empty(t *testing.T) {
	out, err := DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestDecodeJobCursor_Invalid(t *testing.T) {
	_, err := DecodeJobCursor("not base64!!")
	assert.Error(t, err)

	// Valid base64 but not the expected shape.
	token := base64.StdEncoding.EncodeToString([]byte("no-separator"))
	_, err = DecodeJobCursor(token)
	assert.Error(t, err)

	token = base64.StdEncoding.EncodeToString([]byte("abc|job-1"))
	_, err = DecodeJobCursor(token)
	assert.Error(t, err)
}
