package model

// Endpoint is a configured downstream webhook that performs the actual
// delivery to the messaging channel.
type Endpoint struct {
	ID      int64
	URL     string
	Purpose string
	Active  bool
}
