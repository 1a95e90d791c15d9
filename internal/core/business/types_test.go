package business

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationStateTerminal(t *testing.T) {
	terminal := []ValidationState{StateValidConfirmed, StateConfirmedMissing, StateNeedsManualReview}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), string(s))
	}
	nonTerminal := []ValidationState{
		StatePending, StatePrescreenRejected, StatePrescreenPassed,
		StateRenderValid, StateRenderInvalid, StateRenderUncertain,
		StateNeedsDiscovery, StateDiscoveryQueued, StateDiscoveryInProgress,
	}
	for _, s := range nonTerminal {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestMetadataAppend(t *testing.T) {
	var m Metadata
	assert.Nil(t, m.LastValidation())

	first := ValidationRecord{URLTested: "https://a.example", Verdict: VerdictInvalid}
	m.Append(first)
	second := ValidationRecord{URLTested: "https://b.example", Verdict: VerdictValid}
	m.Append(second)

	require.Len(t, m.ValidationHistory, 2)
	assert.Equal(t, MetadataSchemaVersion, m.SchemaVersion)
	// Earlier entries are untouched by later appends.
	assert.Equal(t, "https://a.example", m.ValidationHistory[0].URLTested)
	assert.Equal(t, "https://b.example", m.LastValidation().URLTested)
}

func TestRecordAttempt(t *testing.T) {
	var m Metadata
	assert.False(t, m.Attempted("web_search"))

	att := DiscoveryAttempt{Attempted: true, QueryUsed: `"Joe's" Austin TX website`, Timestamp: time.Now()}
	assert.True(t, m.RecordAttempt("web_search", att, false))
	assert.True(t, m.Attempted("web_search"))

	// Second write without force is refused and the original survives.
	overwrite := DiscoveryAttempt{Attempted: true, QueryUsed: "different query"}
	assert.False(t, m.RecordAttempt("web_search", overwrite, false))
	assert.Equal(t, `"Joe's" Austin TX website`, m.DiscoveryAttempts["web_search"].QueryUsed)

	// Force replaces in place; the source key stays unique.
	updated := m.DiscoveryAttempts["web_search"]
	updated.Valid = true
	assert.True(t, m.RecordAttempt("web_search", updated, true))
	require.Len(t, m.DiscoveryAttempts, 1)
	assert.True(t, m.DiscoveryAttempts["web_search"].Valid)

	// Different sources do not collide.
	assert.True(t, m.RecordAttempt("manual", DiscoveryAttempt{Attempted: true}, false))
	assert.Len(t, m.DiscoveryAttempts, 2)
}
