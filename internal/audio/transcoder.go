package audio

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
)

// TranscoderSpec describes the audio format fed to a transcoder.
// Output is always narrowband mulaw, 8kHz mono, on stdout.
type TranscoderSpec struct {
	InputFormat   string // ffmpeg demuxer name: "mp3", "s16le", ...
	InputRate     int    // required for raw formats, 0 otherwise
	InputChannels int    // required for raw formats, 0 otherwise
}

// MP3Spec is the spec for compressed synthesis-provider output
func MP3Spec() TranscoderSpec {
	return TranscoderSpec{InputFormat: "mp3"}
}

// PCMSpec is the spec for raw 16-bit little-endian PCM at the given rate
func PCMSpec(rate int) TranscoderSpec {
	return TranscoderSpec{InputFormat: "s16le", InputRate: rate, InputChannels: 1}
}

func ffmpegArgs(spec TranscoderSpec) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, "-f", spec.InputFormat)
	if spec.InputRate > 0 {
		args = append(args, "-ar", strconv.Itoa(spec.InputRate))
	}
	if spec.InputChannels > 0 {
		args = append(args, "-ac", strconv.Itoa(spec.InputChannels))
	}
	args = append(args, "-i", "pipe:0", "-f", "mulaw", "-ar", "8000", "-ac", "1", "pipe:1")
	return args
}

// Transcoder wraps one pre-spawned ffmpeg process converting a compressed
// or wideband stream into telephony mulaw. A process serves a single
// conversion; the pool pre-spawns replacements so calls never pay startup
// latency. After Convert the instance reports unhealthy and must be
// discarded.
type Transcoder struct {
	spec   TranscoderSpec
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	mu     sync.Mutex
	used   bool
	failed bool
	closed bool
	waited bool
}

// NewTranscoder spawns an ffmpeg process ready to convert one stream
func NewTranscoder(ffmpegPath string, spec TranscoderSpec) (*Transcoder, error) {
	cmd := exec.Command(ffmpegPath, ffmpegArgs(spec)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("transcoder stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transcoder stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start transcoder process: %w", err)
	}

	return &Transcoder{spec: spec, cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// Convert feeds input through the process and returns the mulaw output.
// Cancelling ctx kills the process and marks the transcoder failed.
func (t *Transcoder) Convert(ctx context.Context, input []byte) ([]byte, error) {
	t.mu.Lock()
	if t.used || t.failed || t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transcoder already consumed")
	}
	t.used = true
	t.mu.Unlock()

	writeErr := make(chan error, 1)
	go func() {
		_, err := t.stdin.Write(input)
		if cerr := t.stdin.Close(); err == nil {
			err = cerr
		}
		writeErr <- err
	}()

	type readResult struct {
		data []byte
		err  error
	}
	readDone := make(chan readResult, 1)
	go func() {
		data, err := io.ReadAll(t.stdout)
		readDone <- readResult{data, err}
	}()

	select {
	case <-ctx.Done():
		t.markFailed()
		_ = t.cmd.Process.Kill()
		t.wait()
		return nil, ctx.Err()
	case res := <-readDone:
		waitErr := t.wait()
		if err := <-writeErr; err != nil && res.err == nil {
			res.err = err
		}
		if res.err == nil && waitErr != nil {
			res.err = waitErr
		}
		if res.err != nil {
			t.markFailed()
			return nil, fmt.Errorf("transcode: %w", res.err)
		}
		if len(res.data) == 0 {
			t.markFailed()
			return nil, fmt.Errorf("transcode produced no output")
		}
		return res.data, nil
	}
}

func (t *Transcoder) markFailed() {
	t.mu.Lock()
	t.failed = true
	t.mu.Unlock()
}

func (t *Transcoder) wait() error {
	t.mu.Lock()
	if t.waited {
		t.mu.Unlock()
		return nil
	}
	t.waited = true
	t.mu.Unlock()
	return t.cmd.Wait()
}

// Healthy reports whether the process is still usable for a conversion
func (t *Transcoder) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.used && !t.failed && !t.closed
}

// Close terminates the process and releases its pipes
func (t *Transcoder) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	used := t.used
	t.mu.Unlock()

	_ = t.stdin.Close()
	if !used {
		// Process is still waiting on stdin; kill it rather than wait
		_ = t.cmd.Process.Kill()
	}
	return t.wait()
}

// TranscodeOnce spawns a process, converts input, and tears it down.
// Used when the pool is exhausted or for startup prewarming.
func TranscodeOnce(ctx context.Context, ffmpegPath string, spec TranscoderSpec, input []byte) ([]byte, error) {
	t, err := NewTranscoder(ffmpegPath, spec)
	if err != nil {
		return nil, err
	}
	out, err := t.Convert(ctx, input)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	_ = t.Close()
	return out, nil
}
