// Package types defines the core domain model shared by the era5grib packages.
package types

import (
	"time"
)

// Timestamp formats used in archive filters and output names.
const (
	// CompactLayout names per-field extracts and the final GRIB file.
	CompactLayout = "200601021504.t+000"
	// ISOLayout is the date filter handed to cdo seldate.
	ISOLayout = "2006-01-02T15:04:05"
	// IDLayout identifies a timestamp in logs, the ledger and metrics.
	IDLayout = "200601021504"
	// MonthLayout is the year-month token embedded in monthly archive files.
	MonthLayout = "200601"
)

// OutputPrefix is the fixed prefix of every produced GRIB file.
const OutputPrefix = "ec_grib_"

// TimestampID identifies one requested timestamp (YYYYMMDDHHMM).
type TimestampID string

// Status is the lifecycle state of one requested timestamp.
type Status string

const (
	StatusPending   Status = "pending"   // generated, not yet submitted
	StatusInFlight  Status = "in_flight" // submitted to a worker
	StatusCompleted Status = "completed" // output file written
	StatusFailed    Status = "failed"    // repackaging returned an error or timed out
)

// Timestamp is a requested date-time, always normalized to UTC.
type Timestamp struct {
	time.Time
}

// NewTimestamp normalizes t to UTC at second resolution.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Second)}
}

// ID returns the ledger identifier (YYYYMMDDHHMM).
func (ts Timestamp) ID() TimestampID {
	return TimestampID(ts.Format(IDLayout))
}

// Compact returns the YYYYMMDDHHMM.t+000 form.
func (ts Timestamp) Compact() string {
	return ts.Format(CompactLayout)
}

// ISO returns the YYYY-MM-DDTHH:MM:SS form.
func (ts Timestamp) ISO() string {
	return ts.Format(ISOLayout)
}

// Month returns the YYYYMM token.
func (ts Timestamp) Month() string {
	return ts.Format(MonthLayout)
}

// OutputName returns the GRIB file name for this timestamp, without directory.
func (ts Timestamp) OutputName() string {
	return OutputPrefix + ts.Compact()
}

// BatchRequest describes one invocation of the batch scheduler.
type BatchRequest struct {
	Start            Timestamp `json:"start" yaml:"start"`
	Count            int       `json:"count" yaml:"count"`
	FrequencySeconds int       `json:"frequency_seconds" yaml:"frequency_seconds"`
}

// Frequency returns the spacing between consecutive timestamps.
func (r BatchRequest) Frequency() time.Duration {
	return time.Duration(r.FrequencySeconds) * time.Second
}
