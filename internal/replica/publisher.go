package replica

import (
	"time"

	"golang.org/x/time/rate"

	"tetherbound.gg/internal/protocol"
	"tetherbound.gg/internal/sim/spatial"
)

// Publisher pushes one body's pose onto the best-effort lane. Sends are
// gated by a minimum inter-send interval against the monotonic clock, so a
// render loop can call Publish every frame and the wire still sees at most
// the configured rate. Seq increases once per accepted send.
type Publisher struct {
	body string
	seq  uint64
	lim  *rate.Limiter
	send func(protocol.PoseMsg)
}

// NewPublisher builds a publisher for body at hz sends per second. send is
// called inline with each accepted pose.
func NewPublisher(body string, hz float64, send func(protocol.PoseMsg)) *Publisher {
	return &Publisher{
		body: body,
		lim:  rate.NewLimiter(rate.Limit(hz), 1),
		send: send,
	}
}

// Publish offers the current pose; it returns false when the send window
// has not elapsed yet.
func (p *Publisher) Publish(pose spatial.Transform, vel *spatial.Vec3) bool {
	return p.PublishAt(time.Now(), pose, vel)
}

// PublishAt is Publish with an explicit clock reading, for tests and replay.
func (p *Publisher) PublishAt(now time.Time, pose spatial.Transform, vel *spatial.Vec3) bool {
	if !p.lim.AllowN(now, 1) {
		return false
	}
	p.seq++
	p.send(protocol.PoseMsg{
		Type:            protocol.TypePose,
		ProtocolVersion: protocol.Version,
		Body:            p.body,
		Seq:             p.seq,
		Pose:            pose,
		Vel:             vel,
	})
	return true
}

func (p *Publisher) Seq() uint64 { return p.seq }
