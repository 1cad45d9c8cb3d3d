// Package dataset resolves session parameters to backing datasets.
package dataset

import (
	"errors"
	"fmt"

	"crypto-stats-stream/internal/domain"
)

// ErrInvalidParameter is returned when a session parameter is outside its allowed set.
var ErrInvalidParameter = errors.New("invalid parameter")

// ParamError names the rejected parameter. It matches ErrInvalidParameter.
type ParamError struct {
	Param string
	Value string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid parameter %s=%q", e.Param, e.Value)
}

// Is reports ErrInvalidParameter as the sentinel.
func (e *ParamError) Is(target error) bool {
	return target == ErrInvalidParameter
}

// Allowed granularities per family, smallest first.
var (
	StatsGranularities       = []int{1, 5, 30, 60}
	MovingStatsGranularities = []int{5, 15, 30}
)

// priceGranularity is the shortest-interval candle dataset that price sessions read.
const priceGranularity = 1

// Granularities returns the allowed granularities for a family. Price sessions
// take no granularity parameter and return nil.
func Granularities(f domain.Family) []int {
	switch f {
	case domain.FamilyStats:
		return StatsGranularities
	case domain.FamilyMovingStats:
		return MovingStatsGranularities
	}
	return nil
}

// Resolve maps a family and granularity to its backing dataset.
// The granularity is ignored for the price family.
func Resolve(f domain.Family, granularityMinutes int) (domain.Dataset, error) {
	switch f {
	case domain.FamilyPrice:
		return candles(priceGranularity), nil
	case domain.FamilyStats:
		if !allowed(StatsGranularities, granularityMinutes) {
			return domain.Dataset{}, &ParamError{Param: ParamFrequency, Value: fmt.Sprint(granularityMinutes)}
		}
		return candles(granularityMinutes), nil
	case domain.FamilyMovingStats:
		if !allowed(MovingStatsGranularities, granularityMinutes) {
			return domain.Dataset{}, &ParamError{Param: ParamFrequency, Value: fmt.Sprint(granularityMinutes)}
		}
		return movingAverages(granularityMinutes), nil
	}
	return domain.Dataset{}, &ParamError{Param: "family", Value: string(f)}
}

// All returns every dataset any family can resolve to.
func All() []domain.Dataset {
	var out []domain.Dataset
	for _, g := range StatsGranularities {
		out = append(out, candles(g))
	}
	for _, g := range MovingStatsGranularities {
		out = append(out, movingAverages(g))
	}
	return out
}

// ByName looks up a dataset by its name.
func ByName(name string) (domain.Dataset, bool) {
	for _, ds := range All() {
		if ds.Name == name {
			return ds, true
		}
	}
	return domain.Dataset{}, false
}

func candles(g int) domain.Dataset {
	return domain.Dataset{
		Name:               fmt.Sprintf("STATS_%dM", g),
		Kind:               domain.DatasetCandle,
		GranularityMinutes: g,
	}
}

func movingAverages(g int) domain.Dataset {
	return domain.Dataset{
		Name:               fmt.Sprintf("MOVING_%dM_AVG", g),
		Kind:               domain.DatasetMovingAverage,
		GranularityMinutes: g,
	}
}

func allowed(set []int, v int) bool {
	for _, g := range set {
		if g == v {
			return true
		}
	}
	return false
}
