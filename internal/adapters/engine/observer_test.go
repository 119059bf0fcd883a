package engine

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/pion/rtp"
)

func levelPacket(t *testing.T, ssrc uint32, seq uint16, level uint8) *rtp.Packet {
	t.Helper()
	raw, err := (&rtp.AudioLevelExtension{Level: level, Voice: true}).Marshal()
	if err != nil {
		t.Fatalf("marshal audio level: %v", err)
	}
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: seq, SSRC: ssrc}}
	if err := pkt.Header.SetExtension(1, raw); err != nil {
		t.Fatalf("set extension: %v", err)
	}
	return pkt
}

func TestObserverVolumesAndSilence(t *testing.T) {
	_, r := newTestRouter(t)
	tr := newTestTransport(t, r, false)
	loud := produce(t, tr, domain.MediaKindAudio, audioParams(1))
	quiet := produce(t, tr, domain.MediaKindAudio, audioParams(2))

	obs, err := r.CreateAudioLevelObserver(context.Background(), core.AudioLevelObserverOptions{
		MaxEntries: 1,
		Threshold:  -80,
		Interval:   time.Hour,
	})
	if err != nil {
		t.Fatalf("CreateAudioLevelObserver: %v", err)
	}
	o := obs.(*AudioLevelObserver)

	var volumes [][]core.AudioLevelVolume
	silences := 0
	o.OnVolumes(func(v []core.AudioLevelVolume) { volumes = append(volumes, v) })
	o.OnSilence(func() { silences++ })

	ctx := context.Background()
	for _, p := range []*Producer{loud, quiet} {
		if err := o.AddProducer(ctx, p.ID()); err != nil {
			t.Fatalf("AddProducer: %v", err)
		}
	}

	_ = loud.WriteRTP(levelPacket(t, 1, 1, 20))
	_ = loud.WriteRTP(levelPacket(t, 1, 2, 40))
	_ = quiet.WriteRTP(levelPacket(t, 2, 1, 60))
	o.evaluate()

	if len(volumes) != 1 || len(volumes[0]) != 1 {
		t.Fatalf("expected one entry, got %v", volumes)
	}
	if volumes[0][0].Producer.ID() != loud.ID() || volumes[0][0].Volume != -30 {
		t.Fatalf("unexpected loudest entry %+v", volumes[0][0])
	}

	o.evaluate()
	o.evaluate()
	if silences != 1 {
		t.Fatalf("expected a single silence event, got %d", silences)
	}
}

func TestObserverThreshold(t *testing.T) {
	_, r := newTestRouter(t)
	tr := newTestTransport(t, r, false)
	p := produce(t, tr, domain.MediaKindAudio, audioParams(1))

	obs, _ := r.CreateAudioLevelObserver(context.Background(), core.AudioLevelObserverOptions{
		MaxEntries: 1,
		Threshold:  -80,
		Interval:   time.Hour,
	})
	o := obs.(*AudioLevelObserver)
	_ = o.AddProducer(context.Background(), p.ID())

	fired := false
	o.OnVolumes(func([]core.AudioLevelVolume) { fired = true })
	_ = p.WriteRTP(levelPacket(t, 1, 1, 100))
	o.evaluate()
	if fired {
		t.Fatal("levels under the threshold should not be reported")
	}
}

func TestObserverRejectsVideoProducer(t *testing.T) {
	_, r := newTestRouter(t)
	tr := newTestTransport(t, r, false)
	p := produce(t, tr, domain.MediaKindVideo, videoParams(5))

	obs, _ := r.CreateAudioLevelObserver(context.Background(), core.AudioLevelObserverOptions{
		MaxEntries: 1,
		Threshold:  -80,
		Interval:   time.Hour,
	})
	if err := obs.AddProducer(context.Background(), p.ID()); err == nil {
		t.Fatal("video producer should be rejected")
	}
}

func TestProducerScore(t *testing.T) {
	_, r := newTestRouter(t)
	send := newTestTransport(t, r, false)
	recv := newTestTransport(t, r, false)
	p := produce(t, send, domain.MediaKindAudio, audioParams(1))
	c := consume(t, recv, r, p.ID(), false)

	var producerScores [][]core.ProducerScore
	var consumerScores []core.ConsumerScore
	p.OnScore(func(s []core.ProducerScore) { producerScores = append(producerScores, s) })
	c.OnScore(func(s core.ConsumerScore) { consumerScores = append(consumerScores, s) })

	// Sequence numbers 1..4 with 2 missing: 3 of 4 received.
	for _, seq := range []uint16{1, 3, 4} {
		_ = p.WriteRTP(&rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: seq, SSRC: 1}})
	}
	p.refreshScore()

	if len(producerScores) != 1 || producerScores[0][0].Score != 8 {
		t.Fatalf("unexpected producer scores %v", producerScores)
	}
	if len(consumerScores) != 1 || consumerScores[0].ProducerScore != 8 || consumerScores[0].Score != 10 {
		t.Fatalf("unexpected consumer scores %v", consumerScores)
	}
}
