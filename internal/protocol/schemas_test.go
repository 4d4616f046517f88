package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	mustReject := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err == nil {
			t.Fatalf("expected validation failure")
		}
	}

	unmarshal := func(raw string) any {
		t.Helper()
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			t.Fatalf("sample json: %v", err)
		}
		return v
	}

	helloSchema := compile("hello.schema.json")
	welcomeSchema := compile("welcome.schema.json")
	cmdSchema := compile("cmd.schema.json")
	applySchema := compile("apply.schema.json")
	poseSchema := compile("pose.schema.json")
	tetherSchema := compile("tether.schema.json")
	snapshotSchema := compile("snapshot.schema.json")
	rejectSchema := compile("reject.schema.json")
	warpSchema := compile("warp.schema.json")
	peerSchema := compile("peer.schema.json")

	validate(helloSchema, unmarshal(`{
	  "type":"HELLO",
	  "protocol_version":"1.0",
	  "player_name":"mira",
	  "caps":{"max_queue":32}
	}`))

	validate(welcomeSchema, unmarshal(`{
	  "type":"WELCOME",
	  "protocol_version":"1.0",
	  "session_id":"8f14e45f-ceea-4672-95f4-9d6b9d3706ac",
	  "peer_id":2,
	  "host_id":1,
	  "resume_token":"0b5c1c2e-9f62-4f0e-a1b0-2f0c9f7f3d11",
	  "tick_rate_hz":30,
	  "pose_rate_hz":18,
	  "inventory_cap":2,
	  "spawn":{"pos":{"x":-2,"y":0,"z":2},"yaw":1.57},
	  "tether":{"warn_dist":25,"hard_dist":55,"grace_seconds":1.25,"policy":"warp"},
	  "scene":{"digest":"deadbeef","count":6},
	  "peers":[{"peer_id":1,"name":"host","body":"A1","pose":{"pos":{"x":2,"y":0,"z":-2},"yaw":0}}]
	}`))

	validate(cmdSchema, unmarshal(`{
	  "type":"CMD",
	  "protocol_version":"1.0",
	  "cmd_id":"c-17",
	  "peer_id":2,
	  "verb":"grab",
	  "key":"lantern_cellar",
	  "mount":"hand.R"
	}`))

	validate(cmdSchema, unmarshal(`{
	  "type":"CMD",
	  "protocol_version":"1.0",
	  "cmd_id":"c-18",
	  "peer_id":2,
	  "verb":"drop",
	  "key":"lantern_cellar",
	  "impulse_dir":{"x":0,"y":0,"z":1}
	}`))

	mustReject(cmdSchema, unmarshal(`{
	  "type":"CMD",
	  "protocol_version":"1.0",
	  "cmd_id":"c-19",
	  "peer_id":2,
	  "verb":"steal",
	  "key":"lantern_cellar"
	}`))

	validate(applySchema, unmarshal(`{
	  "type":"APPLY",
	  "protocol_version":"1.0",
	  "tick":1042,
	  "seq":7,
	  "effect":"grab",
	  "key":"lantern_cellar",
	  "peer_id":2,
	  "mount":"hand.R"
	}`))

	validate(poseSchema, unmarshal(`{
	  "type":"POSE",
	  "protocol_version":"1.0",
	  "body":"A2",
	  "seq":341,
	  "pose":{"pos":{"x":10,"y":0,"z":4.25},"yaw":-1.2},
	  "vel":{"x":0.4,"y":0,"z":0}
	}`))

	validate(tetherSchema, unmarshal(`{
	  "type":"TETHER",
	  "protocol_version":"1.0",
	  "tick":1050,
	  "peer_id":2,
	  "partner_id":1,
	  "distance":31.5,
	  "proximity":0.21,
	  "sanity":86.4,
	  "fx":0.21
	}`))

	validate(snapshotSchema, unmarshal(`{
	  "type":"SNAPSHOT",
	  "protocol_version":"1.0",
	  "tick":1100,
	  "seq":9,
	  "records":[
	    {"key":"lantern_cellar","holder":2,"mount":"hand.R","pose":{"pos":{"x":0,"y":0,"z":0},"yaw":0}},
	    {"key":"medkit_hall","holder":0,"pose":{"pos":{"x":4,"y":0,"z":9},"yaw":1.5}}
	  ]
	}`))

	validate(rejectSchema, unmarshal(`{
	  "type":"REJECT",
	  "protocol_version":"1.0",
	  "tick":1101,
	  "cmd_id":"c-20",
	  "code":"E_INVENTORY_FULL",
	  "message":"hands full",
	  "retry_after_seconds":0.5
	}`))

	validate(warpSchema, unmarshal(`{
	  "type":"WARP",
	  "protocol_version":"1.0",
	  "tick":1200,
	  "seq":10,
	  "body":"A2",
	  "pose":{"pos":{"x":1,"y":0.5,"z":2.5},"yaw":0},
	  "mover_id":2,
	  "anchor_id":1
	}`))

	validate(peerSchema, unmarshal(`{
	  "type":"PEER",
	  "protocol_version":"1.0",
	  "tick":900,
	  "event":"join",
	  "peer_id":3,
	  "name":"juno",
	  "body":"A3",
	  "pose":{"pos":{"x":6,"y":0,"z":-6},"yaw":0}
	}`))
}
