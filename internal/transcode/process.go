package transcode

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
)

// ExitStatus is delivered exactly once per run when the process leaves.
type ExitStatus struct {
	Code int
	Err  error
}

// Runner spawns and supervises one transcoder process at a time.
type Runner interface {
	Start(sdpPath, playlistPath string) (<-chan ExitStatus, error)
	Stop() error
}

// FfmpegRunner drives an ffmpeg process that mixes the egress slots into a
// single HLS recording.
type FfmpegRunner struct {
	// Bin is the ffmpeg binary, "ffmpeg" from PATH when empty.
	Bin string
	// Capacity is the number of egress slots the descriptor advertises.
	Capacity int

	mu  sync.Mutex
	cmd *exec.Cmd
}

func NewFfmpegRunner(bin string, capacity int) *FfmpegRunner {
	return &FfmpegRunner{Bin: bin, Capacity: capacity}
}

func (r *FfmpegRunner) Start(sdpPath, playlistPath string) (<-chan ExitStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bin := r.Bin
	if bin == "" {
		bin = "ffmpeg"
	}

	cmd := exec.Command(bin, r.args(sdpPath, playlistPath)...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn transcoder: %w", err)
	}
	r.cmd = cmd

	log.Debug().
		Str("service", "transcode").
		Int("pid", cmd.Process.Pid).
		Str("playlist", playlistPath).
		Msg("transcoder started")

	exits := make(chan ExitStatus, 1)
	go func() {
		err := cmd.Wait()
		exits <- ExitStatus{Code: cmd.ProcessState.ExitCode(), Err: err}
	}()

	return exits, nil
}

// Stop asks the process to leave. ffmpeg finalizes the playlist on TERM, so
// no hard kill unless the signal cannot be delivered.
func (r *FfmpegRunner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd == nil || r.cmd.Process == nil {
		return nil
	}
	if err := r.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return r.cmd.Process.Kill()
	}
	return nil
}

// args assembles the ffmpeg invocation: read every RTP section of the
// descriptor, mix the audio lanes, tile the video lanes, append to an HLS
// playlist.
func (r *FfmpegRunner) args(sdpPath, playlistPath string) []string {
	args := []string{
		"-nostdin",
		"-protocol_whitelist", "file,udp,rtp",
		"-i", sdpPath,
	}

	if r.Capacity > 1 {
		var audio, video strings.Builder
		for i := 0; i < r.Capacity; i++ {
			fmt.Fprintf(&audio, "[0:a:%d]", i)
			fmt.Fprintf(&video, "[0:v:%d]", i)
		}
		filter := fmt.Sprintf("%samix=inputs=%d[a];%shstack=inputs=%d[v]",
			audio.String(), r.Capacity, video.String(), r.Capacity)
		args = append(args,
			"-filter_complex", filter,
			"-map", "[a]",
			"-map", "[v]",
		)
	} else {
		args = append(args, "-map", "0:a:0", "-map", "0:v:0")
	}

	args = append(args,
		"-c:a", "aac",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-g", "48",
		"-f", "hls",
		"-hls_time", "4",
		"-hls_flags", "append_list",
		playlistPath,
	)

	return args
}
