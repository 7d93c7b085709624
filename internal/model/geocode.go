package model

import (
	"context"
	"errors"
	"time"
)

// DefaultMaxGeocodingAttempts is the attempt budget per address.
const DefaultMaxGeocodingAttempts = 3

var errZeroCoordinate = errors.New("geocoder returned the zero coordinate")

// Resolver resolves free-text addresses. It is satisfied by the geocoding
// adapters and by test fakes.
type Resolver interface {
	Resolve(ctx context.Context, address string) (Coordinate, error)
}

// GeocodePolicy drives the per-record geocoding state machine:
//
//	pending    -> success | retryLater
//	retryLater -> retryLater (attempts < max) | failed (attempts == max)
//	any        -> pending (address changed, see Rearm)
//
// success and failed are terminal for the current address text.
type GeocodePolicy struct {
	MaxAttempts int
}

// DefaultGeocodePolicy returns the policy with the default attempt budget.
func DefaultGeocodePolicy() GeocodePolicy {
	return GeocodePolicy{MaxAttempts: DefaultMaxGeocodingAttempts}
}

func (p GeocodePolicy) max() int {
	if p.MaxAttempts < 1 {
		return DefaultMaxGeocodingAttempts
	}
	return p.MaxAttempts
}

// NeedsAttempt reports whether loc is waiting for a geocode call.
func (p GeocodePolicy) NeedsAttempt(loc *Location) bool {
	return loc.GeocodingStatus == GeocodePending || loc.GeocodingStatus == GeocodeRetryLater
}

// Rearm resets the machine after the address text changed.
func (p GeocodePolicy) Rearm(loc *Location) {
	loc.GeocodingStatus = GeocodePending
	loc.GeocodingAttempts = 0
}

// RecordSuccess stores the coordinate and marks the record resolved. The
// attempt counter is left unchanged. A zero coordinate cannot satisfy the
// success invariant and is recorded as a failure instead.
func (p GeocodePolicy) RecordSuccess(loc *Location, c Coordinate, at time.Time) error {
	if c.IsZero() {
		if p.RecordFailure(loc, at) {
			return &GeocodeError{Address: loc.Address, Err: errZeroCoordinate}
		}
		return nil
	}
	loc.Latitude = c.Latitude
	loc.Longitude = c.Longitude
	loc.GeocodingStatus = GeocodeSuccess
	loc.LastGeocodeAttempt = at
	return nil
}

// RecordFailure applies a failed attempt. It is a no-op unless the record is
// pending or retryLater, so the attempt cap is absolute. It reports whether
// this failure exhausted the budget.
func (p GeocodePolicy) RecordFailure(loc *Location, at time.Time) (exhausted bool) {
	if !p.NeedsAttempt(loc) {
		return false
	}
	loc.GeocodingAttempts++
	loc.LastGeocodeAttempt = at
	if loc.GeocodingAttempts >= p.max() {
		loc.GeocodingAttempts = p.max()
		loc.GeocodingStatus = GeocodeFailed
		return true
	}
	loc.GeocodingStatus = GeocodeRetryLater
	return false
}

// Outcome describes the effect of one [GeocodePolicy.Attempt].
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeResolved
	OutcomeRetryLater
	OutcomeExhausted
)

// Attempt performs one geocode call for loc and applies the result. It
// returns the outcome and, for exhausted records, the final error.
func (p GeocodePolicy) Attempt(ctx context.Context, r Resolver, loc *Location, at time.Time) (Outcome, error) {
	if !p.NeedsAttempt(loc) {
		return OutcomeSkipped, nil
	}
	c, err := r.Resolve(ctx, loc.Address)
	if err == nil {
		err = p.RecordSuccess(loc, c, at)
		if err == nil && loc.GeocodingStatus == GeocodeSuccess {
			return OutcomeResolved, nil
		}
		if err != nil {
			return OutcomeExhausted, err
		}
		return OutcomeRetryLater, nil
	}

	var ge *GeocodeError
	if !errors.As(err, &ge) {
		err = &GeocodeError{Address: loc.Address, Err: err}
	}
	if p.RecordFailure(loc, at) {
		return OutcomeExhausted, err
	}
	return OutcomeRetryLater, nil
}
