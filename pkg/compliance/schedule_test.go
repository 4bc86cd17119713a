package compliance

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextCheckAt(t *testing.T) {
	checkedAt := time.Date(2026, time.January, 15, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		freq Frequency
		want time.Time
	}{
		{FrequencyDaily, time.Date(2026, time.January, 16, 9, 30, 0, 0, time.UTC)},
		{FrequencyWeekly, time.Date(2026, time.January, 22, 9, 30, 0, 0, time.UTC)},
		{FrequencyMonthly, time.Date(2026, time.February, 15, 9, 30, 0, 0, time.UTC)},
		{FrequencyQuarterly, time.Date(2026, time.April, 15, 9, 30, 0, 0, time.UTC)},
		{FrequencyAnnual, time.Date(2027, time.January, 15, 9, 30, 0, 0, time.UTC)},
		{Frequency("FORTNIGHTLY"), time.Date(2026, time.January, 16, 9, 30, 0, 0, time.UTC)},
		{Frequency(""), time.Date(2026, time.January, 16, 9, 30, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(string(tt.freq), func(t *testing.T) {
			assert.Equal(t, tt.want, NextCheckAt(checkedAt, tt.freq))
		})
	}
}

func TestFrequencyValid(t *testing.T) {
	assert.True(t, FrequencyQuarterly.Valid())
	assert.False(t, Frequency("HOURLY").Valid())
}

func TestStatusFromPayload(t *testing.T) {
	assert.Equal(t, StatusPass, StatusFromPayload(json.RawMessage(`{"status":"PASS"}`)))
	assert.Equal(t, StatusFail, StatusFromPayload(json.RawMessage(`{"type":"s3_encryption","status":"FAIL"}`)))
	assert.Equal(t, StatusWarning, StatusFromPayload(json.RawMessage(`{"status":"pass"}`)))
	assert.Equal(t, StatusWarning, StatusFromPayload(json.RawMessage(`{"data":{}}`)))
	assert.Equal(t, StatusWarning, StatusFromPayload(json.RawMessage(`not json`)))
}

func TestEvidenceStoredData(t *testing.T) {
	inline := &Evidence{Data: json.RawMessage(`{"status":"PASS"}`)}
	data, err := inline.StoredData()
	assert.NoError(t, err)
	assert.JSONEq(t, `{"status":"PASS"}`, string(data))
	assert.False(t, inline.Offloaded())

	offloaded := &Evidence{Offload: &OffloadRef{Reference: "s3://bucket/key", Size: 10, ContentChecksum: "abc"}}
	data, err = offloaded.StoredData()
	assert.NoError(t, err)
	assert.JSONEq(t, `{"reference":"s3://bucket/key","size":10,"contentChecksum":"abc"}`, string(data))
	assert.True(t, offloaded.Offloaded())
}
