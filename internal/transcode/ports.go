package transcode

import "github.com/isqad/livemeet-sfu/internal/core"

// DefaultPortBase is the first UDP port handed to the transcoder.
const DefaultPortBase = 5004

// PortPlan lays the egress UDP ports out deterministically: each slot owns
// four consecutive ports, audio RTP/RTCP first, then video RTP/RTCP. The
// transcoder reads the same layout from the session descriptor, so no port
// is ever negotiated at runtime.
type PortPlan struct {
	Base int
}

func NewPortPlan(base int) PortPlan {
	if base <= 0 {
		base = DefaultPortBase
	}
	return PortPlan{Base: base}
}

func (p PortPlan) RtpPort(slot int, kind core.MediaKind) int {
	port := p.Base + 4*slot
	if kind == core.VideoKind {
		port += 2
	}
	return port
}

func (p PortPlan) RtcpPort(slot int, kind core.MediaKind) int {
	return p.RtpPort(slot, kind) + 1
}
