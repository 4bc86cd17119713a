package compliance

import (
	"encoding/json"
	"fmt"
	"time"
)

// NextCheckAt returns checkedAt advanced by the control frequency.
// Unrecognized frequencies fall back to one day.
func NextCheckAt(checkedAt time.Time, freq Frequency) time.Time {
	switch freq {
	case FrequencyDaily:
		return checkedAt.AddDate(0, 0, 1)
	case FrequencyWeekly:
		return checkedAt.AddDate(0, 0, 7)
	case FrequencyMonthly:
		return checkedAt.AddDate(0, 1, 0)
	case FrequencyQuarterly:
		return checkedAt.AddDate(0, 3, 0)
	case FrequencyAnnual:
		return checkedAt.AddDate(1, 0, 0)
	default:
		return checkedAt.AddDate(0, 0, 1)
	}
}

// Valid reports whether f is one of the known frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly, FrequencyAnnual:
		return true
	}
	return false
}

// StatusFromPayload derives the check verdict from a collected payload.
// Only an explicit "PASS" or "FAIL" status is trusted; anything else is a warning.
func StatusFromPayload(payload json.RawMessage) CheckStatus {
	var peek struct {
		Status any `json:"status"`
	}
	if err := json.Unmarshal(payload, &peek); err != nil {
		return StatusWarning
	}
	switch fmt.Sprint(peek.Status) {
	case string(StatusPass):
		return StatusPass
	case string(StatusFail):
		return StatusFail
	default:
		return StatusWarning
	}
}
