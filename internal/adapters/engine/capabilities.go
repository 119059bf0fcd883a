package engine

import (
	"fmt"
	"strings"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/pion/webrtc/v4"
)

const (
	mimeTypeRTX = "video/rtx"

	firstDynamicPayloadType uint8 = 100

	AudioLevelURI       = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"
	midURI              = "urn:ietf:params:rtp-hdrext:sdes:mid"
	absSendTimeURI      = "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"
	transportWideCCURI  = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"
	videoOrientationURI = "urn:3gpp:video-orientation"

	// AudioLevelExtensionID is the id the router advertises for ssrc-audio-level.
	AudioLevelExtensionID = 10
)

var headerExtensions = []core.RtpHeaderExtension{
	{Kind: domain.MediaKindAudio, URI: midURI, PreferredID: 1, Direction: "sendrecv"},
	{Kind: domain.MediaKindVideo, URI: midURI, PreferredID: 1, Direction: "sendrecv"},
	{Kind: domain.MediaKindAudio, URI: absSendTimeURI, PreferredID: 4, Direction: "sendrecv"},
	{Kind: domain.MediaKindVideo, URI: absSendTimeURI, PreferredID: 4, Direction: "sendrecv"},
	{Kind: domain.MediaKindVideo, URI: transportWideCCURI, PreferredID: 5, Direction: "sendrecv"},
	{Kind: domain.MediaKindAudio, URI: AudioLevelURI, PreferredID: AudioLevelExtensionID, Direction: "sendrecv"},
	{Kind: domain.MediaKindVideo, URI: videoOrientationURI, PreferredID: 11, Direction: "sendrecv"},
}

// routerCapabilities assigns payload types to the configured media codecs and
// adds an RTX codec after every video codec.
func routerCapabilities(codecs []core.RtpCodecCapability) (core.RtpCapabilities, error) {
	caps := core.RtpCapabilities{HeaderExtensions: append([]core.RtpHeaderExtension(nil), headerExtensions...)}

	used := make(map[uint8]bool)
	for _, c := range codecs {
		if c.PreferredPayloadType != 0 {
			used[c.PreferredPayloadType] = true
		}
	}
	next := firstDynamicPayloadType
	nextPT := func() (uint8, error) {
		for next < 128 && used[next] {
			next++
		}
		if next >= 128 {
			return 0, fmt.Errorf("engine: out of dynamic payload types")
		}
		pt := next
		used[pt] = true
		next++
		return pt, nil
	}

	for _, c := range codecs {
		if !c.Kind.Valid() {
			return core.RtpCapabilities{}, fmt.Errorf("engine: invalid codec kind %q", c.Kind)
		}
		if !strings.HasPrefix(strings.ToLower(c.MimeType), string(c.Kind)+"/") {
			return core.RtpCapabilities{}, fmt.Errorf("engine: mime type %q does not match kind %q", c.MimeType, c.Kind)
		}
		if strings.EqualFold(c.MimeType, mimeTypeRTX) {
			continue
		}
		codec := c
		if codec.PreferredPayloadType == 0 {
			pt, err := nextPT()
			if err != nil {
				return core.RtpCapabilities{}, err
			}
			codec.PreferredPayloadType = pt
		}
		if codec.RtcpFeedback == nil {
			codec.RtcpFeedback = defaultFeedback(codec.Kind)
		}
		caps.Codecs = append(caps.Codecs, codec)

		if codec.Kind != domain.MediaKindVideo {
			continue
		}
		pt, err := nextPT()
		if err != nil {
			return core.RtpCapabilities{}, err
		}
		caps.Codecs = append(caps.Codecs, core.RtpCodecCapability{
			Kind:                 domain.MediaKindVideo,
			MimeType:             mimeTypeRTX,
			PreferredPayloadType: pt,
			ClockRate:            codec.ClockRate,
			Parameters:           map[string]any{"apt": codec.PreferredPayloadType},
		})
	}
	return caps, nil
}

func defaultFeedback(kind domain.MediaKind) []core.RtcpFeedback {
	if kind == domain.MediaKindAudio {
		return []core.RtcpFeedback{{Type: "transport-cc"}}
	}
	return []core.RtcpFeedback{
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "goog-remb"},
		{Type: "transport-cc"},
	}
}

func isRTX(mime string) bool {
	return strings.EqualFold(mime, mimeTypeRTX)
}

func codecMatches(p core.RtpCodecParameters, c core.RtpCodecCapability) bool {
	if !strings.EqualFold(p.MimeType, c.MimeType) || p.ClockRate != c.ClockRate {
		return false
	}
	if strings.EqualFold(p.MimeType, webrtc.MimeTypeOpus) && p.Channels != c.Channels {
		return false
	}
	if strings.EqualFold(p.MimeType, webrtc.MimeTypeH264) {
		return fmt.Sprint(p.Parameters["profile-level-id"]) == fmt.Sprint(c.Parameters["profile-level-id"])
	}
	return true
}

// matchCodec returns the first media codec of params also present in caps.
func matchCodec(params core.RtpParameters, caps core.RtpCapabilities) (core.RtpCodecParameters, core.RtpCodecCapability, bool) {
	for _, p := range params.Codecs {
		if isRTX(p.MimeType) {
			continue
		}
		for _, c := range caps.Codecs {
			if codecMatches(p, c) {
				return p, c, true
			}
		}
	}
	return core.RtpCodecParameters{}, core.RtpCodecCapability{}, false
}

func canConsume(params core.RtpParameters, caps core.RtpCapabilities) bool {
	_, _, ok := matchCodec(params, caps)
	return ok
}

// rtxFor finds the RTX capability bound to the given payload type.
func rtxFor(caps core.RtpCapabilities, apt uint8) (core.RtpCodecCapability, bool) {
	for _, c := range caps.Codecs {
		if !isRTX(c.MimeType) {
			continue
		}
		if fmt.Sprint(c.Parameters["apt"]) == fmt.Sprint(apt) {
			return c, true
		}
	}
	return core.RtpCodecCapability{}, false
}

// extensionID returns the id negotiated for uri, zero when absent.
func extensionID(exts []core.RtpHeaderExtensionParameters, uri string) uint8 {
	for _, e := range exts {
		if e.URI == uri && e.ID > 0 && e.ID < 256 {
			return uint8(e.ID)
		}
	}
	return 0
}

func consumerHeaderExtensions(producer []core.RtpHeaderExtensionParameters, caps core.RtpCapabilities, kind domain.MediaKind) []core.RtpHeaderExtensionParameters {
	var out []core.RtpHeaderExtensionParameters
	for _, pe := range producer {
		for _, ce := range caps.HeaderExtensions {
			if ce.URI == pe.URI && (ce.Kind == "" || ce.Kind == kind) {
				out = append(out, core.RtpHeaderExtensionParameters{URI: ce.URI, ID: ce.PreferredID})
				break
			}
		}
	}
	return out
}
