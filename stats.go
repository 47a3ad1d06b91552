package betamax

// Stats counts what a cassette session did.
type Stats struct {
	// Loaded is the number of interactions read from storage.
	Loaded int
	// Recorded is the number of new interactions captured from the network.
	Recorded int
	// Played is the number of interactions served from the cassette.
	Played int
	// Missed is the number of requests that matched nothing in replay.
	Missed int
}
