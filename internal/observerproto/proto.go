// Package observerproto defines the JSON messages spoken on the
// observer websocket. Events are one-way, server to client; the only
// client message is SUBSCRIBE.
package observerproto

const Version = 1

type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
}

type BootstrapResponse struct {
	ProtocolVersion int     `json:"protocol_version"`
	Seed            int64   `json:"seed"`
	ChunkEdge       int     `json:"chunk_edge"`
	SurfaceLevel    float64 `json:"surface_level"`
	ResidentChunks  int     `json:"resident_chunks"`
	QueueSize       int     `json:"queue_size"`
}

// ChunkStateEvent mirrors one state machine transition.
type ChunkStateEvent struct {
	Type  string `json:"type"` // "CHUNK_STATE"
	Coord [3]int `json:"coord"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// MeshReadyEvent announces a freshly assembled (or removed) mesh.
type MeshReadyEvent struct {
	Type      string `json:"type"` // "MESH_READY"
	Coord     [3]int `json:"coord"`
	Vertices  int    `json:"vertices"`
	Triangles int    `json:"triangles"`
	Removed   bool   `json:"removed,omitempty"`
}

type QuarantineEvent struct {
	Type   string `json:"type"` // "QUARANTINE"
	Coord  [3]int `json:"coord"`
	Reason string `json:"reason"`
}
