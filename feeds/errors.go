package feeds

import "errors"

// ErrUnknownConnector is returned for a connector ID that is not configured.
var ErrUnknownConnector = errors.New("feeds: unknown connector")

// ErrOpportunityNotFound is returned when no opportunity has the given ID.
var ErrOpportunityNotFound = errors.New("feeds: opportunity not found")

// ErrNotAcceptingSubmissions is returned by CheckSubmittable for an
// opportunity that is not open or whose closing time has passed.
var ErrNotAcceptingSubmissions = errors.New("feeds: opportunity not accepting submissions")

// ErrInvalidConfig is returned when the configuration cannot be used.
var ErrInvalidConfig = errors.New("feeds: invalid config")
