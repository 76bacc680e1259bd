package sipua

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

// Media directions carried in SDP.
const (
	dirSendRecv = "sendrecv"
	dirSendOnly = "sendonly"
	dirRecvOnly = "recvonly"
	dirInactive = "inactive"
)

// audioFormats is the offered codec list: PCMU, PCMA and telephone-event.
var audioFormats = []string{"0", "8", "101"}

// buildSDP creates the audio session description the agent offers and
// answers with. version must increase for every re-offer in a dialog.
func buildSDP(host string, port int, sessionID, version uint64, direction string) ([]byte, error) {
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "flowphone",
			SessionID:      sessionID,
			SessionVersion: version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "flowphone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: audioFormats,
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: "0 PCMU/8000"},
					{Key: "rtpmap", Value: "8 PCMA/8000"},
					{Key: "rtpmap", Value: "101 telephone-event/8000"},
					{Key: "fmtp", Value: "101 0-15"},
					{Key: "ptime", Value: "20"},
					{Key: direction},
				},
			},
		},
	}

	b, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling sdp: %w", err)
	}
	return b, nil
}

// remoteMedia is what the agent needs from a peer's description.
type remoteMedia struct {
	Address   string
	Port      int
	Direction string
	DTMF      bool
}

// parseRemoteSDP extracts the first audio stream of body. The direction
// defaults to sendrecv; a media-level attribute overrides a session-level
// one.
func parseRemoteSDP(body []byte) (remoteMedia, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return remoteMedia{}, fmt.Errorf("parsing sdp: %w", err)
	}

	m := remoteMedia{Direction: dirSendRecv}
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		m.Address = desc.ConnectionInformation.Address.Address
	}
	m.Direction = directionOf(desc.Attributes, m.Direction)

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		m.Port = md.MediaName.Port.Value
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			m.Address = md.ConnectionInformation.Address.Address
		}
		m.Direction = directionOf(md.Attributes, m.Direction)
		for _, a := range md.Attributes {
			if a.Key == "rtpmap" && strings.Contains(strings.ToLower(a.Value), "telephone-event") {
				m.DTMF = true
			}
		}
		return m, nil
	}
	return remoteMedia{}, fmt.Errorf("sdp has no audio stream")
}

func directionOf(attrs []sdp.Attribute, fallback string) string {
	for _, a := range attrs {
		switch a.Key {
		case dirSendRecv, dirSendOnly, dirRecvOnly, dirInactive:
			return a.Key
		}
	}
	return fallback
}

// heldBy reports whether a peer offer with direction d puts us on hold.
func heldBy(d string) bool {
	return d == dirSendOnly || d == dirInactive
}

// answerDirection is the direction we answer a peer offer with.
func answerDirection(offer string) string {
	switch offer {
	case dirSendOnly:
		return dirRecvOnly
	case dirRecvOnly:
		return dirSendOnly
	case dirInactive:
		return dirInactive
	default:
		return dirSendRecv
	}
}

// sessionIDFor derives a stable SDP origin session ID from a Call-ID.
func sessionIDFor(callID string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(callID); i++ {
		h ^= uint64(callID[i])
		h *= 1099511628211
	}
	// Origin session IDs are kept within int63.
	return h >> 1
}
