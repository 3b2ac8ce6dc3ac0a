package observerproto_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"terraforge.dev/internal/observerproto"
)

func TestSchemas_ValidateMessages(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	roundtrip := func(v any) any {
		t.Helper()
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var out any
		if err := json.Unmarshal(b, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return out
	}

	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(roundtrip(v)); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	validate(compile("subscribe.schema.json"), observerproto.SubscribeMsg{
		Type:            "SUBSCRIBE",
		ProtocolVersion: observerproto.Version,
	})

	validate(compile("bootstrap.schema.json"), observerproto.BootstrapResponse{
		ProtocolVersion: observerproto.Version,
		Seed:            1337,
		ChunkEdge:       16,
		SurfaceLevel:    0,
		ResidentChunks:  12,
		QueueSize:       3,
	})

	validate(compile("chunk_state.schema.json"), observerproto.ChunkStateEvent{
		Type:  "CHUNK_STATE",
		Coord: [3]int{1, 0, -2},
		From:  "Loading",
		To:    "Loaded",
	})

	meshSchema := compile("mesh_ready.schema.json")
	validate(meshSchema, observerproto.MeshReadyEvent{
		Type:      "MESH_READY",
		Coord:     [3]int{0, 0, 0},
		Vertices:  128,
		Triangles: 64,
	})
	validate(meshSchema, observerproto.MeshReadyEvent{
		Type:    "MESH_READY",
		Coord:   [3]int{4, 1, 4},
		Removed: true,
	})
}
