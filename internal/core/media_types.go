package core

import (
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/pion/webrtc/v4"
)

// AppData is free-form application data attached to engine objects.
type AppData map[string]any

// Clone returns a shallow copy that is safe to extend.
func (a AppData) Clone() AppData {
	out := make(AppData, len(a)+1)
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Bool reads a boolean flag, false when missing or not a bool.
func (a AppData) Bool(key string) bool {
	v, ok := a[key].(bool)
	return ok && v
}

// String reads a string value, empty when missing or not a string.
func (a AppData) String(key string) string {
	v, _ := a[key].(string)
	return v
}

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpCodecCapability struct {
	Kind                 domain.MediaKind `json:"kind"`
	MimeType             string           `json:"mimeType"`
	PreferredPayloadType uint8            `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32           `json:"clockRate"`
	Channels             uint16           `json:"channels,omitempty"`
	Parameters           map[string]any   `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback   `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtension struct {
	Kind             domain.MediaKind `json:"kind"`
	URI              string           `json:"uri"`
	PreferredID      int              `json:"preferredId"`
	PreferredEncrypt bool             `json:"preferredEncrypt,omitempty"`
	Direction        string           `json:"direction,omitempty"`
}

type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs,omitempty"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtensionParameters struct {
	URI        string         `json:"uri"`
	ID         int            `json:"id"`
	Encrypt    bool           `json:"encrypt,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type RtxParameters struct {
	Ssrc uint32 `json:"ssrc"`
}

type RtpEncodingParameters struct {
	Ssrc             uint32         `json:"ssrc,omitempty"`
	Rid              string         `json:"rid,omitempty"`
	CodecPayloadType *uint8         `json:"codecPayloadType,omitempty"`
	Rtx              *RtxParameters `json:"rtx,omitempty"`
	Dtx              bool           `json:"dtx,omitempty"`
	ScalabilityMode  string         `json:"scalabilityMode,omitempty"`
	MaxBitrate       uint32         `json:"maxBitrate,omitempty"`
}

type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
}

type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters        `json:"encodings,omitempty"`
	Rtcp             RtcpParameters                 `json:"rtcp"`
}

type NumSctpStreams struct {
	OS  uint16 `json:"OS"`
	MIS uint16 `json:"MIS"`
}

type SctpCapabilities struct {
	NumStreams NumSctpStreams `json:"numStreams"`
}

type SctpParameters struct {
	Port           uint16 `json:"port"`
	OS             uint16 `json:"OS"`
	MIS            uint16 `json:"MIS"`
	MaxMessageSize uint32 `json:"maxMessageSize"`
}

type SctpStreamParameters struct {
	StreamID          uint16  `json:"streamId"`
	Ordered           *bool   `json:"ordered,omitempty"`
	MaxPacketLifeTime *uint16 `json:"maxPacketLifeTime,omitempty"`
	MaxRetransmits    *uint16 `json:"maxRetransmits,omitempty"`
}

// DtlsParameters carries the role as the string clients send ("auto", "client", "server").
type DtlsParameters struct {
	Role         string                   `json:"role,omitempty"`
	Fingerprints []webrtc.DTLSFingerprint `json:"fingerprints"`
}

type DtlsState string

const (
	DtlsStateNew        DtlsState = "new"
	DtlsStateConnecting DtlsState = "connecting"
	DtlsStateConnected  DtlsState = "connected"
	DtlsStateFailed     DtlsState = "failed"
	DtlsStateClosed     DtlsState = "closed"
)

type SctpState string

const (
	SctpStateNew        SctpState = "new"
	SctpStateConnecting SctpState = "connecting"
	SctpStateConnected  SctpState = "connected"
	SctpStateFailed     SctpState = "failed"
	SctpStateClosed     SctpState = "closed"
)

type WebRtcTransportOptions struct {
	ListenIP                        string
	AnnouncedIP                     string
	EnableUDP                       bool
	EnableTCP                       bool
	PreferUDP                       bool
	EnableSctp                      bool
	NumSctpStreams                  NumSctpStreams
	MaxSctpMessageSize              uint32
	InitialAvailableOutgoingBitrate uint32
	AppData                         AppData
}

type ProducerOptions struct {
	Kind          domain.MediaKind
	RtpParameters RtpParameters
	Paused        bool
	AppData       AppData
}

type ConsumerOptions struct {
	ProducerID      string
	RtpCapabilities RtpCapabilities
	Paused          bool
	AppData         AppData
}

type DataProducerOptions struct {
	SctpStreamParameters *SctpStreamParameters
	Label                string
	Protocol             string
	AppData              AppData
}

type DataConsumerOptions struct {
	DataProducerID string
	AppData        AppData
}

type AudioLevelObserverOptions struct {
	// MaxEntries caps the number of entries in a volumes event.
	MaxEntries int
	// Threshold is the minimum average level, in dBov, to be reported.
	Threshold int8
	Interval  time.Duration
}

type AudioLevelVolume struct {
	Producer Producer
	// Volume is the average level in dBov, 0 being the loudest.
	Volume int8
}

type ThrottleOptions struct {
	// Uplink and Downlink are in bits per second.
	Uplink   uint32
	Downlink uint32
	RTT      time.Duration
}

type ProducerScore struct {
	EncodingIdx int    `json:"encodingIdx"`
	Ssrc        uint32 `json:"ssrc"`
	Rid         string `json:"rid,omitempty"`
	Score       uint8  `json:"score"`
}

type ConsumerScore struct {
	Score          uint8   `json:"score"`
	ProducerScore  uint8   `json:"producerScore"`
	ProducerScores []uint8 `json:"producerScores"`
}

type ConsumerLayers struct {
	SpatialLayer  uint8  `json:"spatialLayer"`
	TemporalLayer *uint8 `json:"temporalLayer,omitempty"`
}

type VideoOrientation struct {
	Camera   bool `json:"camera"`
	Flip     bool `json:"flip"`
	Rotation int  `json:"rotation"`
}

// Stat is one statistics entry as reported by the media engine.
type Stat struct {
	Type        string           `json:"type"`
	Timestamp   int64            `json:"timestamp"`
	ID          string           `json:"id,omitempty"`
	Kind        domain.MediaKind `json:"kind,omitempty"`
	MimeType    string           `json:"mimeType,omitempty"`
	Ssrc        uint32           `json:"ssrc,omitempty"`
	Label       string           `json:"label,omitempty"`
	PacketCount uint64           `json:"packetCount"`
	ByteCount   uint64           `json:"byteCount"`
	Dropped     uint64           `json:"packetsDiscarded,omitempty"`
	Score       uint8            `json:"score,omitempty"`
	DtlsState   DtlsState        `json:"dtlsState,omitempty"`
	SctpState   SctpState        `json:"sctpState,omitempty"`
	Bitrate     uint32           `json:"maxIncomingBitrate,omitempty"`
}
