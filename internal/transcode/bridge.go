package transcode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/isqad/livemeet-sfu/internal/core"
	"github.com/isqad/livemeet-sfu/internal/engine"
	"github.com/isqad/livemeet-sfu/internal/telemetry"
	"github.com/rs/zerolog/log"
)

type State string

const (
	StateIdle         State = "idle"
	StateProvisioning State = "provisioning"
	StateReady        State = "ready"
	StateRunning      State = "running"
	StateCrashed      State = "crashed"
	StateShuttingDown State = "shutting_down"
	StateStopped      State = "stopped"
)

type TriggerPolicy string

const (
	// TriggerAV starts the transcoder once at least one audio and one video
	// lane are claimed.
	TriggerAV TriggerPolicy = "av"
	// TriggerAny starts it on the first claimed lane.
	TriggerAny TriggerPolicy = "any"
)

const DefaultCapacity = 2

var (
	ErrSlotOccupied       = errors.New("egress slot is occupied")
	ErrAlreadyProvisioned = errors.New("bridge is already provisioned")
	ErrNotCrashed         = errors.New("bridge is not in the crashed state")
)

// slotLanes is one slot's pair of egress lanes. The transports live for the
// bridge's whole life, the producer and consumer ids come and go with the
// claims.
type slotLanes struct {
	audioTransport string
	videoTransport string
	audioProducer  string
	audioConsumer  string
	videoProducer  string
	videoConsumer  string
}

// BridgeOptions is options of the bridge
type BridgeOptions struct {
	Engine   engine.Engine
	Runner   Runner
	Notifier LifecycleNotifier
	// Recordings keeps the catalog row per run, nil disables the catalog.
	Recordings core.RecordingsStorer
	Plan       PortPlan
	// Capacity is the number of egress slots, one per eligible join index.
	Capacity int
	// EgressIP is where the transcoder listens for the slot lanes.
	EgressIP  string
	OutputDir string
	Trigger   TriggerPolicy
}

// Bridge feeds up to Capacity peers into one external transcoder process.
// A peer's producer lands in the slot equal to its join index; the process
// is spawned once the trigger policy is satisfied and never respawned
// without an operator.
type Bridge struct {
	BridgeOptions

	mu        sync.Mutex
	state     State
	slots     []slotLanes
	recording *core.Recording
	runSeq    int
	stopDone  chan struct{}
}

func NewBridge(options BridgeOptions) *Bridge {
	if options.Capacity <= 0 {
		options.Capacity = DefaultCapacity
	}
	if options.Plan.Base <= 0 {
		options.Plan = NewPortPlan(DefaultPortBase)
	}
	if options.EgressIP == "" {
		options.EgressIP = "127.0.0.1"
	}
	if options.Trigger == "" {
		options.Trigger = TriggerAV
	}

	return &Bridge{
		BridgeOptions: options,
		state:         StateIdle,
		slots:         make([]slotLanes, options.Capacity),
	}
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Provision creates the egress transports for every slot and kind and
// writes the session descriptor. Ports come from the plan, so the layout is
// identical on every boot.
func (b *Bridge) Provision() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateIdle {
		return ErrAlreadyProvisioned
	}
	b.state = StateProvisioning

	for i := range b.slots {
		audioID, err := b.Engine.CreateEgressTransport(b.EgressIP, b.Plan.RtpPort(i, core.AudioKind), b.Plan.RtcpPort(i, core.AudioKind))
		if err != nil {
			b.abortProvisionLocked()
			return err
		}
		b.slots[i].audioTransport = audioID

		videoID, err := b.Engine.CreateEgressTransport(b.EgressIP, b.Plan.RtpPort(i, core.VideoKind), b.Plan.RtcpPort(i, core.VideoKind))
		if err != nil {
			b.abortProvisionLocked()
			return err
		}
		b.slots[i].videoTransport = videoID
	}

	descriptor, err := Descriptor(b.EgressIP, b.Plan, b.Capacity)
	if err != nil {
		b.abortProvisionLocked()
		return err
	}
	if err := os.WriteFile(b.sdpPath(), descriptor, 0644); err != nil {
		b.abortProvisionLocked()
		return fmt.Errorf("write descriptor: %w", err)
	}

	b.state = StateReady
	b.notify(Message{State: StateReady})

	log.Info().Str("service", "transcode").Int("slots", b.Capacity).Msg("egress bridge provisioned")

	return nil
}

// Assign claims the slot equal to the peer's join index for the producer.
// Peers beyond the slot table are silently left out of the recording.
func (b *Bridge) Assign(producerID string, kind core.MediaKind, joinIndex int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateReady, StateRunning, StateCrashed:
	default:
		return -1, nil
	}
	if joinIndex < 0 || joinIndex >= len(b.slots) {
		return -1, nil
	}

	lanes := &b.slots[joinIndex]
	transportID := lanes.audioTransport
	claimedProducer := &lanes.audioProducer
	claimedConsumer := &lanes.audioConsumer
	if kind == core.VideoKind {
		transportID = lanes.videoTransport
		claimedProducer = &lanes.videoProducer
		claimedConsumer = &lanes.videoConsumer
	}

	if *claimedProducer != "" {
		return -1, fmt.Errorf("%w: slot %d already carries %s", ErrSlotOccupied, joinIndex, kind)
	}

	consumer, err := b.Engine.ConsumeOnEgress(transportID, producerID)
	if err != nil {
		return -1, err
	}

	*claimedProducer = producerID
	*claimedConsumer = consumer.ID
	telemetry.SlotOccupied()

	log.Debug().
		Str("service", "transcode").
		Str("ID", producerID).
		Str("kind", string(kind)).
		Int("slot", joinIndex).
		Msg("producer bridged to egress")

	b.maybeStartLocked()

	return joinIndex, nil
}

// Release frees the producer's lane. The transport stays, the next claim of
// the slot reuses it.
func (b *Bridge) Release(producerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.slots {
		lanes := &b.slots[i]
		if lanes.audioProducer == producerID {
			b.Engine.CloseConsumer(lanes.audioConsumer)
			lanes.audioProducer, lanes.audioConsumer = "", ""
			telemetry.SlotReleased()
			return
		}
		if lanes.videoProducer == producerID {
			b.Engine.CloseConsumer(lanes.videoConsumer)
			lanes.videoProducer, lanes.videoConsumer = "", ""
			telemetry.SlotReleased()
			return
		}
	}
}

// Restart is the operator's path out of crashed. Nothing restarts on its
// own.
func (b *Bridge) Restart() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateCrashed {
		return ErrNotCrashed
	}

	return b.startLocked()
}

// Stop ends the bridge: the process first, then the egress transports.
func (b *Bridge) Stop() error {
	b.mu.Lock()

	switch b.state {
	case StateRunning:
		b.state = StateShuttingDown
		done := make(chan struct{})
		b.stopDone = done
		b.mu.Unlock()

		if err := b.Runner.Stop(); err != nil {
			log.Error().Err(err).Str("service", "transcode").Msg("can't signal transcoder")
		}
		<-done

		return nil
	case StateStopped, StateShuttingDown:
		b.mu.Unlock()
		return nil
	default:
		b.closeTransportsLocked()
		b.state = StateStopped
		b.notify(Message{State: StateStopped})
		b.mu.Unlock()
		return nil
	}
}

func (b *Bridge) maybeStartLocked() {
	if b.state != StateReady {
		return
	}

	var audio, video bool
	for i := range b.slots {
		audio = audio || b.slots[i].audioProducer != ""
		video = video || b.slots[i].videoProducer != ""
	}

	satisfied := audio && video
	if b.Trigger == TriggerAny {
		satisfied = audio || video
	}
	if !satisfied {
		return
	}

	if err := b.startLocked(); err != nil {
		log.Error().Err(err).Str("service", "transcode").Msg("can't start transcoder")
	}
}

func (b *Bridge) startLocked() error {
	playlistPath := filepath.Join(b.OutputDir, fmt.Sprintf("egress-%s.m3u8", time.Now().Format("20060102-150405")))

	exits, err := b.Runner.Start(b.sdpPath(), playlistPath)
	if err != nil {
		b.state = StateCrashed
		b.notify(Message{State: StateCrashed})
		return err
	}

	recording := core.NewRecording(playlistPath)
	b.recording = recording
	b.state = StateRunning
	b.runSeq++

	if b.Recordings != nil {
		if err := b.Recordings.Create(recording); err != nil {
			log.Error().Err(err).Str("service", "transcode").Msg("can't store recording")
		}
	}

	b.notify(Message{State: StateRunning, RecordingID: recording.ID})
	log.Info().Str("service", "transcode").Str("ID", recording.ID).Msg("recording started")

	go b.watch(b.runSeq, exits)

	return nil
}

func (b *Bridge) watch(seq int, exits <-chan ExitStatus) {
	status := <-exits

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.runSeq != seq {
		return
	}

	code := status.Code
	recordingID := ""
	if b.recording != nil {
		recordingID = b.recording.ID
	}
	b.recording = nil

	if b.state == StateShuttingDown {
		b.finishRecordingLocked(recordingID, core.RecordingFinished, code)
		b.closeTransportsLocked()
		b.state = StateStopped
		b.notify(Message{State: StateStopped, ExitCode: &code, RecordingID: recordingID})
		if b.stopDone != nil {
			close(b.stopDone)
			b.stopDone = nil
		}
		return
	}

	// The process left on its own. Every claim is kept so an operator
	// restart resumes with the same lanes.
	log.Error().
		Err(status.Err).
		Str("service", "transcode").
		Int("exitCode", code).
		Msg("transcoder exited unexpectedly")

	b.finishRecordingLocked(recordingID, core.RecordingCrashed, code)
	b.state = StateCrashed
	b.notify(Message{State: StateCrashed, ExitCode: &code, RecordingID: recordingID})
}

func (b *Bridge) finishRecordingLocked(id string, state core.RecordingState, exitCode int) {
	if b.Recordings == nil || id == "" {
		return
	}
	if err := b.Recordings.Finish(id, state, &exitCode); err != nil {
		log.Error().Err(err).Str("service", "transcode").Msg("can't finalize recording")
	}
}

func (b *Bridge) abortProvisionLocked() {
	b.closeTransportsLocked()
	b.state = StateIdle
}

func (b *Bridge) closeTransportsLocked() {
	for i := range b.slots {
		if b.slots[i].audioTransport != "" {
			b.Engine.CloseTransport(b.slots[i].audioTransport)
			b.slots[i].audioTransport = ""
		}
		if b.slots[i].videoTransport != "" {
			b.Engine.CloseTransport(b.slots[i].videoTransport)
			b.slots[i].videoTransport = ""
		}
	}
}

func (b *Bridge) notify(message Message) {
	if b.Notifier == nil {
		return
	}
	if err := b.Notifier.Publish(message); err != nil {
		log.Error().Err(err).Str("service", "transcode").Msg("can't publish lifecycle message")
	}
}

func (b *Bridge) sdpPath() string {
	return filepath.Join(b.OutputDir, "egress.sdp")
}
