package domain

// DatasetKind describes the row layout of a backing dataset.
type DatasetKind int

const (
	// DatasetCandle rows carry open/high/low/close/intra_avg.
	DatasetCandle DatasetKind = iota
	// DatasetMovingAverage rows carry a single price.
	DatasetMovingAverage
)

// Store-internal field names.
const (
	FieldOpen     = "open"
	FieldHigh     = "high"
	FieldLow      = "low"
	FieldClose    = "close"
	FieldIntraAvg = "intra_avg"
	FieldPrice    = "price"
)

// Dataset is a resolved, time-bucketed backing dataset.
type Dataset struct {
	Name               string
	Kind               DatasetKind
	GranularityMinutes int
}

// Fields returns the value columns stored for the dataset, in schema order.
func (d Dataset) Fields() []string {
	if d.Kind == DatasetMovingAverage {
		return []string{FieldPrice}
	}
	return []string{FieldOpen, FieldHigh, FieldLow, FieldClose, FieldIntraAvg}
}
