package pipeline

import "time"

// Observer receives lifecycle events, typically to export metrics.
type Observer interface {
	BuildFinished(elapsed time.Duration, err error)
	FeatureRecorded(outcome FeatureOutcome)
	GenerateFinished(elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) BuildFinished(time.Duration, error)    {}
func (nopObserver) FeatureRecorded(FeatureOutcome)        {}
func (nopObserver) GenerateFinished(time.Duration, error) {}
