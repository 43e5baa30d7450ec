package realtime

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// vp8Codec is the only video codec negotiated: the frame decoder handles
// VP8 keyframes and nothing else.
var vp8Codec = webrtc.RTPCodecParameters{
	RTPCodecCapability: webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
		RTCPFeedback: []webrtc.RTCPFeedback{
			{Type: "goog-remb"},
			{Type: "ccm", Parameter: "fir"},
			{Type: "nack"},
			{Type: "nack", Parameter: "pli"},
		},
	},
	PayloadType: 96,
}

// checkOfferCodecs accepts an offer only if one of its video sections
// carries VP8.
func checkOfferCodecs(offer string) error {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(offer)); err != nil {
		return fmt.Errorf("parse offer: %w", err)
	}

	var offered []string
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}
		for _, format := range md.MediaName.Formats {
			pt, err := strconv.ParseUint(format, 10, 8)
			if err != nil {
				continue
			}
			codec, err := desc.GetCodecForPayloadType(uint8(pt))
			if err != nil {
				continue
			}
			if strings.EqualFold(codec.Name, "VP8") {
				return nil
			}
			offered = append(offered, codec.Name)
		}
	}
	return fmt.Errorf("%w (offered %v)", ErrUnsupportedCodec, offered)
}
