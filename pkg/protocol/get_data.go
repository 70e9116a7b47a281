package protocol

// Status of a peer get-data response.
type GetDataStatus string

const (
	// All requested keys are included in the response.
	GetDataOK = GetDataStatus("ok")
	// Some requested keys are not held by the peer.
	GetDataPartial = GetDataStatus("partial-fail")
	// The peer is at capacity and served no keys.
	GetDataBusy = GetDataStatus("busy")
)

// A peer-to-peer request for in-memory task values.
type GetDataRequest struct {
	Keys []string `json:"keys"`
}

// The response to a get-data request.
// Data never contains keys the peer does not hold.
type GetDataResponse struct {
	Status  GetDataStatus     `json:"status"`
	Data    map[string][]byte `json:"data,omitempty"`
	Missing []string          `json:"missing,omitempty"`
}
