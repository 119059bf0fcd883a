package core

import (
	"context"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Worker hosts routers. Implementations are picked round-robin by a WorkerPool.
type Worker interface {
	CreateRouter(ctx context.Context, codecs []RtpCodecCapability) (Router, error)
}

type WorkerPool interface {
	NextWorker() Worker
}

// NetworkThrottler applies an artificial network limit to all media.
type NetworkThrottler interface {
	StartThrottle(ctx context.Context, opts ThrottleOptions) error
	StopThrottle(ctx context.Context) error
}

type Router interface {
	ID() string
	RtpCapabilities() RtpCapabilities
	CanConsume(producerID string, caps RtpCapabilities) bool
	CreateWebRtcTransport(ctx context.Context, opts WebRtcTransportOptions) (Transport, error)
	CreateAudioLevelObserver(ctx context.Context, opts AudioLevelObserverOptions) (AudioLevelObserver, error)
	Close()
	Closed() bool
}

type Transport interface {
	ID() string
	AppData() AppData
	IceParameters() webrtc.ICEParameters
	IceCandidates() []webrtc.ICECandidate
	DtlsParameters() DtlsParameters
	SctpParameters() *SctpParameters

	// Connect completes the DTLS handshake with the remote parameters.
	Connect(ctx context.Context, remote DtlsParameters) error
	RestartIce(ctx context.Context) (webrtc.ICEParameters, error)
	SetMaxIncomingBitrate(ctx context.Context, bitrate uint32) error

	Produce(ctx context.Context, opts ProducerOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error)
	ProduceData(ctx context.Context, opts DataProducerOptions) (DataProducer, error)
	ConsumeData(ctx context.Context, opts DataConsumerOptions) (DataConsumer, error)

	GetStats(ctx context.Context) ([]Stat, error)
	Close()
	Closed() bool

	OnClose(func())
	OnDtlsStateChange(func(DtlsState))
	OnSctpStateChange(func(SctpState))
}

type Producer interface {
	ID() string
	Kind() domain.MediaKind
	Type() string
	RtpParameters() RtpParameters
	AppData() AppData
	Paused() bool
	Score() []ProducerScore

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	GetStats(ctx context.Context) ([]Stat, error)
	Close()
	Closed() bool

	OnTransportClose(func())
	OnScore(func([]ProducerScore))
	OnVideoOrientationChange(func(VideoOrientation))
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() domain.MediaKind
	Type() string
	RtpParameters() RtpParameters
	AppData() AppData
	Paused() bool
	ProducerPaused() bool
	Score() ConsumerScore

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	SetPreferredLayers(ctx context.Context, layers ConsumerLayers) error
	SetPriority(ctx context.Context, priority uint8) error
	RequestKeyFrame(ctx context.Context) error
	GetStats(ctx context.Context) ([]Stat, error)
	Close()
	Closed() bool

	OnTransportClose(func())
	OnProducerClose(func())
	OnProducerPause(func())
	OnProducerResume(func())
	OnScore(func(ConsumerScore))
	OnLayersChange(func(*ConsumerLayers))
}

type DataProducer interface {
	ID() string
	Label() string
	Protocol() string
	SctpStreamParameters() *SctpStreamParameters
	AppData() AppData
	GetStats(ctx context.Context) ([]Stat, error)
	Close()
	Closed() bool

	OnTransportClose(func())
}

type DataConsumer interface {
	ID() string
	DataProducerID() string
	Label() string
	Protocol() string
	SctpStreamParameters() *SctpStreamParameters
	AppData() AppData
	GetStats(ctx context.Context) ([]Stat, error)
	Close()
	Closed() bool

	OnTransportClose(func())
	OnDataProducerClose(func())
}

// AudioLevelObserver reports the loudest audio producers of a router.
type AudioLevelObserver interface {
	AddProducer(ctx context.Context, producerID string) error
	RemoveProducer(ctx context.Context, producerID string) error
	OnVolumes(func([]AudioLevelVolume))
	OnSilence(func())
	Close()
}
