package clientdata

import "time"

// TTL constants for raw provider responses.
// These are added to the clock's now when storing to calculate expires_at.
const (
	// Daily history only changes once per trading day
	TTLPriceHistory = 12 * time.Hour

	// Instrument metadata (name, category) rarely changes
	TTLInstrumentMetadata = 30 * 24 * time.Hour
)
