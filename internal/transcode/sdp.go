package transcode

import (
	"fmt"
	"strconv"
	"time"

	"github.com/isqad/livemeet-sfu/internal/core"
	"github.com/pion/sdp/v3"
)

// The router pins these payload types, the descriptor repeats them.
const (
	opusPayloadType = 111
	vp8PayloadType  = 96
)

// Descriptor renders the session description the transcoder reads: one
// audio and one video section per slot, addressed by the port plan.
func Descriptor(ip string, plan PortPlan, capacity int) ([]byte, error) {
	sessionID := uint64(time.Now().Unix())
	session := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: ip,
		},
		SessionName: "livemeet egress",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: ip},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
	}

	for slot := 0; slot < capacity; slot++ {
		session.MediaDescriptions = append(session.MediaDescriptions,
			mediaSection(plan, slot, core.AudioKind),
			mediaSection(plan, slot, core.VideoKind),
		)
	}

	return session.Marshal()
}

func mediaSection(plan PortPlan, slot int, kind core.MediaKind) *sdp.MediaDescription {
	payloadType := opusPayloadType
	rtpmap := fmt.Sprintf("%d opus/48000/2", opusPayloadType)
	if kind == core.VideoKind {
		payloadType = vp8PayloadType
		rtpmap = fmt.Sprintf("%d VP8/90000", vp8PayloadType)
	}

	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   string(kind),
			Port:    sdp.RangedPort{Value: plan.RtpPort(slot, kind)},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{strconv.Itoa(payloadType)},
		},
		Attributes: []sdp.Attribute{
			{Key: "rtpmap", Value: rtpmap},
			{Key: "rtcp", Value: strconv.Itoa(plan.RtcpPort(slot, kind))},
			{Key: "recvonly"},
		},
	}
}
