// Package audiosink wraps a local PCM player subprocess.
package audiosink

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
)

type Format string

const (
	FormatS16LE     Format = "s16le"
	FormatS16BE     Format = "s16be"
	FormatU8        Format = "u8"
	FormatFloat32LE Format = "float32le"
	FormatFloat32BE Format = "float32be"
)

var validFormats = map[Format]bool{
	FormatS16LE: true, FormatS16BE: true, FormatU8: true,
	FormatFloat32LE: true, FormatFloat32BE: true,
}

// Spec validates and describes the PCM stream a Sink plays.
type Spec struct {
	Format   Format
	Channels int
	Rate     int
}

func (s Spec) validate() error {
	if !validFormats[s.Format] {
		return fmt.Errorf("audiosink: unsupported format %q", s.Format)
	}
	if s.Channels != 1 && s.Channels != 2 {
		return fmt.Errorf("audiosink: unsupported channel count %d", s.Channels)
	}
	if s.Rate < 8000 || s.Rate > 192000 {
		return fmt.Errorf("audiosink: sample rate %d out of range [8000,192000]", s.Rate)
	}
	return nil
}

// Sink streams PCM to a local player subprocess (ffplay-compatible raw PCM
// flags). Lifecycle: Start -> PlayChunk* -> Finish (graceful) or Kill
// (immediate, for barge-in). After Finish/Kill the process reference is
// cleared; subsequent calls are no-ops.
type Sink struct {
	spec    Spec
	playCmd string

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// New validates spec and returns a Sink. playCmd is the executable used to
// play raw PCM (e.g. "ffplay" or "aplay"); command construction happens in
// Start so Spec errors surface immediately at construction time.
func New(spec Spec, playCmd string) (*Sink, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if playCmd == "" {
		playCmd = "ffplay"
	}
	return &Sink{spec: spec, playCmd: playCmd}, nil
}

func (s *Sink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return nil
	}

	args := []string{
		"-f", string(s.spec.Format),
		"-ar", fmt.Sprintf("%d", s.spec.Rate),
		"-ac", fmt.Sprintf("%d", s.spec.Channels),
		"-nodisp", "-autoexit", "-loglevel", "quiet", "-i", "pipe:0",
	}
	cmd := exec.Command(s.playCmd, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("audiosink: stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("audiosink: start player: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	return nil
}

// PlayChunk writes one PCM frame to the player. A no-op if Start was never
// called or the sink has already finished/been killed.
func (s *Sink) PlayChunk(chunk []byte) error {
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return nil
	}
	_, err := stdin.Write(chunk)
	return err
}

// Finish closes stdin and waits for the player to drain and exit
// gracefully.
func (s *Sink) Finish() error {
	s.mu.Lock()
	cmd, stdin := s.cmd, s.stdin
	s.cmd, s.stdin = nil, nil
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}
	if stdin != nil {
		_ = stdin.Close()
	}
	return cmd.Wait()
}

// Kill terminates the player immediately, for barge-in. It does not wait
// for the process to drain.
func (s *Sink) Kill() error {
	s.mu.Lock()
	cmd := s.cmd
	s.cmd, s.stdin = nil, nil
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
