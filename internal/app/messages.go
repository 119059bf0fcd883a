package app

import (
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/pion/webrtc/v4"
)

type joinRequest struct {
	DisplayName      string                 `json:"displayName"`
	Device           domain.Device          `json:"device"`
	RtpCapabilities  *core.RtpCapabilities  `json:"rtpCapabilities"`
	SctpCapabilities *core.SctpCapabilities `json:"sctpCapabilities"`
}

type joinResponse struct {
	Peers []domain.PeerInfo `json:"peers"`
}

type createTransportRequest struct {
	ForceTcp         bool                   `json:"forceTcp"`
	Producing        bool                   `json:"producing"`
	Consuming        bool                   `json:"consuming"`
	SctpCapabilities *core.SctpCapabilities `json:"sctpCapabilities"`
}

type iceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type transportResponse struct {
	ID             string               `json:"id"`
	IceParameters  webrtc.ICEParameters `json:"iceParameters"`
	IceCandidates  []iceCandidate       `json:"iceCandidates"`
	DtlsParameters core.DtlsParameters  `json:"dtlsParameters"`
	SctpParameters *core.SctpParameters `json:"sctpParameters,omitempty"`
}

type connectTransportRequest struct {
	TransportID    string              `json:"transportId"`
	DtlsParameters core.DtlsParameters `json:"dtlsParameters"`
}

type transportRef struct {
	TransportID string `json:"transportId"`
}

type produceRequest struct {
	TransportID   string             `json:"transportId"`
	Kind          domain.MediaKind   `json:"kind"`
	RtpParameters core.RtpParameters `json:"rtpParameters"`
	AppData       core.AppData       `json:"appData"`
}

type produceDataRequest struct {
	TransportID          string                     `json:"transportId"`
	SctpStreamParameters *core.SctpStreamParameters `json:"sctpStreamParameters"`
	Label                string                     `json:"label"`
	Protocol             string                     `json:"protocol"`
	AppData              core.AppData               `json:"appData"`
}

type idResponse struct {
	ID string `json:"id"`
}

type producerRef struct {
	ProducerID string `json:"producerId"`
}

type consumerRef struct {
	ConsumerID string `json:"consumerId"`
}

type dataProducerRef struct {
	DataProducerID string `json:"dataProducerId"`
}

type dataConsumerRef struct {
	DataConsumerID string `json:"dataConsumerId"`
}

type preferredLayersRequest struct {
	ConsumerID    string `json:"consumerId"`
	SpatialLayer  uint8  `json:"spatialLayer"`
	TemporalLayer *uint8 `json:"temporalLayer"`
}

type priorityRequest struct {
	ConsumerID string `json:"consumerId"`
	Priority   uint8  `json:"priority"`
}

// throttleRequest carries bitrates in bits per second and rtt in milliseconds.
type throttleRequest struct {
	Uplink   *uint32 `json:"uplink"`
	Downlink *uint32 `json:"downlink"`
	RTT      *uint32 `json:"rtt"`
	Secret   string  `json:"secret"`
}

type resetThrottleRequest struct {
	Secret string `json:"secret"`
}

// Outbound notifications and requests.

type peerClosedNotification struct {
	PeerID domain.PeerID `json:"peerId"`
}

type newConsumerRequest struct {
	PeerID         domain.PeerID      `json:"peerId"`
	ProducerID     string             `json:"producerId"`
	ID             string             `json:"id"`
	Kind           domain.MediaKind   `json:"kind"`
	RtpParameters  core.RtpParameters `json:"rtpParameters"`
	Type           string             `json:"type"`
	AppData        core.AppData       `json:"appData"`
	ProducerPaused bool               `json:"producerPaused"`
}

type newDataConsumerRequest struct {
	PeerID               *domain.PeerID             `json:"peerId"`
	DataProducerID       string                     `json:"dataProducerId"`
	ID                   string                     `json:"id"`
	SctpStreamParameters *core.SctpStreamParameters `json:"sctpStreamParameters"`
	Label                string                     `json:"label"`
	Protocol             string                     `json:"protocol"`
	AppData              core.AppData               `json:"appData"`
}

type consumerScoreNotification struct {
	ConsumerID string             `json:"consumerId"`
	Score      core.ConsumerScore `json:"score"`
}

type consumerLayersNotification struct {
	ConsumerID    string `json:"consumerId"`
	SpatialLayer  *uint8 `json:"spatialLayer"`
	TemporalLayer *uint8 `json:"temporalLayer"`
}

type producerScoreNotification struct {
	ProducerID string               `json:"producerId"`
	Score      []core.ProducerScore `json:"score"`
}

type activeSpeakerNotification struct {
	PeerID *domain.PeerID `json:"peerId"`
	Volume *int8          `json:"volume,omitempty"`
}
