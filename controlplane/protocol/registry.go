package protocol

import "time"

// Client represents a connected participant. ID is assigned by the server as
// "{name}_{monotonic_counter}" and is unique for the process lifetime.
type Client struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	RegisteredAt time.Time `json:"registered_at"`
}
