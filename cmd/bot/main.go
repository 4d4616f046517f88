// Command bot is a synthetic peer for soak runs: it joins a session,
// wanders near its spawn, grabs and drops whatever the snapshot said is in
// the room, and keeps the heartbeat alive. Run a few of them against one
// server to exercise every lane a real client uses.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tetherbound.gg/internal/protocol"
	"tetherbound.gg/internal/replica"
	"tetherbound.gg/internal/sim/spatial"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name     = flag.String("name", "bot", "player name")
		session  = flag.String("session", "", "session id (empty = server default)")
		duration = flag.Duration("duration", 0, "stop after this long (0 = until interrupt)")
		radius   = flag.Float64("radius", 8, "wander radius around spawn, meters")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		PlayerName:      *name,
		SessionID:       *session,
		Caps:            protocol.HelloCaps{MaxQueue: 64},
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	// The first reliable message decides the fate of the handshake.
	_, first, err := conn.ReadMessage()
	if err != nil {
		logger.Fatalf("read WELCOME: %v", err)
	}
	base, err := protocol.DecodeBase(first)
	if err != nil || base.Type != protocol.TypeWelcome {
		var rej protocol.RejectMsg
		if json.Unmarshal(first, &rej) == nil && rej.Type == protocol.TypeReject {
			logger.Fatalf("rejected: %s %s", rej.Code, rej.Message)
		}
		logger.Fatalf("unexpected first message: %s", first)
	}
	var w protocol.WelcomeMsg
	if err := json.Unmarshal(first, &w); err != nil {
		logger.Fatalf("decode WELCOME: %v", err)
	}
	logger.Printf("WELCOME session=%s peer_id=%d tick_rate=%d pose_rate=%.1f policy=%s",
		w.SessionID, w.PeerID, w.TickRateHz, w.PoseRateHz, w.Tether.Policy)

	st := &botState{
		peerID:       w.PeerID,
		inventoryCap: w.InventoryCap,
		spawn:        w.Spawn,
		pose:         w.Spawn,
		target:       w.Spawn.Pos,
		speedScale:   1,
		held:         make(map[string]bool),
	}

	pub := replica.NewPublisher(replica.AvatarBody(w.PeerID), w.PoseRateHz, func(pm protocol.PoseMsg) {
		_ = conn.WriteJSON(pm)
	})

	msgs := make(chan []byte, 64)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			msgs <- raw
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	var deadline <-chan time.Time
	if *duration > 0 {
		deadline = time.After(*duration)
	}

	const stepHz = 60
	step := time.NewTicker(time.Second / stepHz)
	defer step.Stop()
	ping := time.NewTicker(2 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-stop:
			return
		case <-deadline:
			logger.Printf("duration elapsed")
			return
		case err := <-readErr:
			logger.Printf("connection closed: %v", err)
			return
		case raw := <-msgs:
			st.handle(raw, logger)
		case <-ping.C:
			_ = conn.WriteJSON(protocol.PingMsg{
				Type:            protocol.TypePing,
				ProtocolVersion: protocol.Version,
				T:               time.Now().UnixMilli(),
				RTTMillis:       st.rttMS,
			})
		case <-step.C:
			vel := st.step(rng, 1.0/stepHz, *radius)
			pub.Publish(st.pose, &vel)
			st.maybeAct(conn, rng)
		}
	}
}

type botState struct {
	peerID       int
	inventoryCap int

	spawn  spatial.Transform
	pose   spatial.Transform
	target spatial.Vec3

	keys []string
	held map[string]bool

	restrained bool
	speedScale float64
	pullDir    *spatial.Vec3

	rttMS float64
}

func (st *botState) handle(raw []byte, logger *log.Logger) {
	base, err := protocol.DecodeBase(raw)
	if err != nil {
		return
	}
	switch base.Type {
	case protocol.TypeSnapshot:
		var s protocol.SnapshotMsg
		if json.Unmarshal(raw, &s) != nil {
			return
		}
		st.keys = st.keys[:0]
		for _, rec := range s.Records {
			st.keys = append(st.keys, rec.Key)
			if rec.Holder == st.peerID {
				st.held[rec.Key] = true
			}
		}
		logger.Printf("SNAPSHOT tick=%d records=%d", s.Tick, len(s.Records))

	case protocol.TypeApply:
		var a protocol.ApplyMsg
		if json.Unmarshal(raw, &a) != nil {
			return
		}
		if a.PeerID != st.peerID {
			return
		}
		switch a.Effect {
		case protocol.VerbGrab:
			st.held[a.Key] = true
		case protocol.VerbDrop, protocol.VerbUse:
			delete(st.held, a.Key)
		}

	case protocol.TypeWarp:
		var wp protocol.WarpMsg
		if json.Unmarshal(raw, &wp) != nil {
			return
		}
		if wp.Body == replica.AvatarBody(st.peerID) {
			st.pose = wp.Pose
			st.target = wp.Pose.Pos
			logger.Printf("WARP tick=%d mover=%d anchor=%d", wp.Tick, wp.MoverID, wp.AnchorID)
		}

	case protocol.TypeTether:
		var t protocol.TetherMsg
		if json.Unmarshal(raw, &t) != nil {
			return
		}
		if t.Restrained && !st.restrained {
			logger.Printf("restrained: dist=%.1f sanity=%.1f", t.Distance, t.Sanity)
		}
		st.restrained = t.Restrained
		st.speedScale = 1
		if t.Restrained && t.SpeedScale > 0 {
			st.speedScale = t.SpeedScale
		}
		st.pullDir = t.PullDir

	case protocol.TypePong:
		var p protocol.PongMsg
		if json.Unmarshal(raw, &p) != nil {
			return
		}
		st.rttMS = float64(time.Now().UnixMilli() - p.T)

	case protocol.TypeReject:
		var rej protocol.RejectMsg
		if json.Unmarshal(raw, &rej) != nil {
			return
		}
		logger.Printf("REJECT cmd=%s code=%s %s", rej.CmdID, rej.Code, rej.Message)

	case protocol.TypePeer:
		var pm protocol.PeerMsg
		if json.Unmarshal(raw, &pm) != nil {
			return
		}
		logger.Printf("PEER %s id=%d name=%s", pm.Event, pm.PeerID, pm.Name)
	}
}

// step advances the random walk one fake render frame and returns the
// velocity for the pose publisher.
func (st *botState) step(rng *rand.Rand, dt, radius float64) spatial.Vec3 {
	if st.pose.Pos.Dist(st.target) < 0.5 {
		st.target = spatial.Vec3{
			X: st.spawn.Pos.X + (rng.Float64()*2-1)*radius,
			Y: st.spawn.Pos.Y,
			Z: st.spawn.Pos.Z + (rng.Float64()*2-1)*radius,
		}
	}

	dir := st.target.Sub(st.pose.Pos).Normalized()
	if st.restrained && st.pullDir != nil {
		// Honor the movement envelope: walk back toward the partner.
		dir = st.pullDir.Normalized()
	}
	const walkSpeed = 2.0
	vel := dir.Scale(walkSpeed * st.speedScale)
	st.pose.Pos = st.pose.Pos.Add(vel.Scale(dt))
	if vel.Len() > 0.01 {
		st.pose.Yaw = spatial.NormalizeYaw(yawOf(dir))
	}
	return vel
}

// maybeAct fires roughly one command every three seconds of stepping.
func (st *botState) maybeAct(conn *websocket.Conn, rng *rand.Rand) {
	if len(st.keys) == 0 || rng.Float64() > 1.0/180 {
		return
	}
	key := st.keys[rng.Intn(len(st.keys))]

	cmd := protocol.CmdMsg{
		Type:            protocol.TypeCmd,
		ProtocolVersion: protocol.Version,
		CmdID:           "bot_" + uuid.NewString(),
		PeerID:          st.peerID,
		Key:             key,
	}
	switch {
	case st.held[key] && rng.Float64() < 0.3:
		cmd.Verb = protocol.VerbUse
	case st.held[key]:
		cmd.Verb = protocol.VerbDrop
		fwd := st.pose.Forward()
		cmd.ImpulseDir = &fwd
	case len(st.held) < st.inventoryCap:
		cmd.Verb = protocol.VerbGrab
		cmd.Mount = "hand.R"
	default:
		return
	}
	_ = conn.WriteJSON(cmd)
}

func yawOf(dir spatial.Vec3) float64 {
	if dir.Len() < 1e-9 {
		return 0
	}
	// Yaw 0 faces +Z; see spatial.Transform.Forward.
	return math.Atan2(dir.X, dir.Z)
}
