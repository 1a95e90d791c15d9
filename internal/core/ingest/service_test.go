package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Record{Name: "Joe's Plumbing"}))
	assert.Error(t, Validate(Record{Name: ""}))
	assert.Error(t, Validate(Record{Name: "   "}))
	// A URL alone is not enough to identify a business.
	assert.Error(t, Validate(Record{CandidateURL: "https://example.com"}))
}

func TestIntakeAllRejected(t *testing.T) {
	// No accepted records means nothing is enqueued, so the queue client is
	// never touched.
	svc := New(nil, nil, 3)

	accepted, rejected, err := svc.Intake(context.Background(), []Record{
		{ID: "b-1", Name: ""},
		{Name: "  "},
	})
	require.NoError(t, err)
	assert.Empty(t, accepted)
	require.Len(t, rejected, 2)
	assert.Equal(t, 0, rejected[0].Index)
	assert.Equal(t, "b-1", rejected[0].ID)
	assert.Equal(t, 1, rejected[1].Index)
}
