package audio

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"lectureflow/internal/command"
	"lectureflow/internal/domain"
	fileutil "lectureflow/internal/file"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultThresholdMiB approximates the upload ceiling of common
	// transcription providers.
	DefaultThresholdMiB    = 24.0
	DefaultMaxChunkSeconds = 600.0

	extractBitrate = "64k"
	chunkBitrate   = "32k"
)

// Options configures the external tools and chunking policy.
type Options struct {
	ProcessedDir    string
	FFmpegPath      string
	FFprobePath     string
	ThresholdMiB    float64
	MaxChunkSeconds float64
	Timeout         time.Duration
}

// Processor extracts, probes, compresses and splits audio with ffmpeg.
type Processor struct {
	opts   Options
	runner command.Runner
	sizeOf func(path string) (float64, error)
}

func NewProcessor(opts Options, runner command.Runner) *Processor {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	if opts.ThresholdMiB <= 0 {
		opts.ThresholdMiB = DefaultThresholdMiB
	}
	if opts.MaxChunkSeconds <= 0 {
		opts.MaxChunkSeconds = DefaultMaxChunkSeconds
	}
	if opts.ProcessedDir == "" {
		opts.ProcessedDir = "processed"
	}
	if runner == nil {
		runner = command.ExecRunner{}
	}
	return &Processor{opts: opts, runner: runner, sizeOf: fileutil.SizeMiB}
}

// AudioPath is where Extract writes the audio track of taskID.
func (p *Processor) AudioPath(taskID string) string {
	return filepath.Join(p.opts.ProcessedDir, taskID, taskID+".mp3")
}

// Extract writes a mono 16 kHz mp3 of sourcePath under the processed root.
func (p *Processor) Extract(ctx context.Context, taskID, sourcePath string) (string, error) {
	out := p.AudioPath(taskID)
	if err := fileutil.EnsureDir(filepath.Dir(out)); err != nil {
		return "", err
	}
	_, err := command.Exec(ctx, p.runner, p.opts.Timeout, p.opts.FFmpegPath,
		"-y", "-i", sourcePath,
		"-vn", "-ar", "16000", "-ac", "1", "-b:a", extractBitrate, "-f", "mp3",
		out,
	)
	if err != nil {
		return "", fmt.Errorf("extract audio: %w", err)
	}
	if !fileutil.Exists(out) {
		return "", fmt.Errorf("extract audio: %s was not produced", filepath.Base(out))
	}
	log.Debug().Str("task_id", taskID).Str("audio", out).Msg("audio extracted")
	return out, nil
}

// Duration returns the length of path in seconds.
func (p *Processor) Duration(ctx context.Context, path string) (float64, error) {
	res, err := command.Exec(ctx, p.runner, p.opts.Timeout, p.opts.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("probe duration: %w", err)
	}
	raw := strings.TrimSpace(res.Stdout)
	d, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("probe duration: unexpected output %q", raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("probe duration: non-positive duration %v", d)
	}
	return d, nil
}

// Progress receives sub-step notifications while audio is prepared.
type Progress func(stage domain.Stage, pct float64, msg string)

// Prepare picks the single-file or chunked variant for audioPath.
// Audio at or above the threshold is split into time chunks; smaller audio is
// recompressed into one file.
func (p *Processor) Prepare(ctx context.Context, taskID, audioPath string, report Progress) (domain.AudioPreparation, error) {
	if report == nil {
		report = func(domain.Stage, float64, string) {}
	}
	sizeMiB, err := p.sizeOf(audioPath)
	if err != nil {
		return domain.AudioPreparation{}, domain.NewStageError(domain.StagePrepareAudio, domain.KindChunking, err)
	}
	report(domain.StagePrepareAudio, 76, fmt.Sprintf("audio size %.1f MiB", sizeMiB))

	if sizeMiB < p.opts.ThresholdMiB {
		out, err := p.compress(ctx, taskID, audioPath)
		if err != nil {
			return domain.AudioPreparation{}, domain.NewStageError(domain.StagePrepareAudio, domain.KindTranscode, err)
		}
		return domain.AudioPreparation{AudioPath: out}, nil
	}

	duration, err := p.Duration(ctx, audioPath)
	if err != nil {
		return domain.AudioPreparation{}, domain.NewStageError(domain.StagePrepareAudio, domain.KindChunking, err)
	}
	chunkSeconds, count := PlanChunks(duration, sizeMiB, p.opts.ThresholdMiB, p.opts.MaxChunkSeconds)
	report(domain.StagePrepareAudio, 77, fmt.Sprintf("splitting into %d chunks of %.0fs", count, chunkSeconds))

	dir := p.ChunkDir(taskID)
	paths, err := p.Split(ctx, audioPath, dir, duration, chunkSeconds)
	if err != nil {
		fileutil.RemoveQuiet(dir)
		return domain.AudioPreparation{}, domain.NewStageError(domain.StagePrepareAudio, domain.KindChunking, err)
	}
	log.Info().Str("task_id", taskID).Int("chunks", len(paths)).Float64("chunk_seconds", chunkSeconds).Msg("audio chunked")
	return domain.AudioPreparation{
		AudioPath:    audioPath,
		Chunked:      true,
		ChunkPaths:   paths,
		ChunkDir:     dir,
		ChunkSeconds: chunkSeconds,
	}, nil
}

// ChunkDir is the directory holding the chunks of taskID.
func (p *Processor) ChunkDir(taskID string) string {
	return filepath.Join(p.opts.ProcessedDir, taskID+"_chunks")
}

// PlanChunks sizes chunks so each lands under thresholdMiB, capped at
// maxSeconds. It returns the chunk length and the number of chunks.
func PlanChunks(durationSec, sizeMiB, thresholdMiB, maxSeconds float64) (float64, int) {
	if durationSec <= 0 {
		return 0, 0
	}
	chunk := durationSec
	if sizeMiB > 0 && thresholdMiB > 0 {
		ratio := sizeMiB / thresholdMiB
		if ratio > 1 {
			chunk = durationSec / ratio
		}
	}
	if maxSeconds > 0 && chunk > maxSeconds {
		chunk = maxSeconds
	}
	count := int(durationSec / chunk)
	if float64(count)*chunk < durationSec-1e-6 {
		count++
	}
	return chunk, count
}

// Split cuts audioPath into ordered chunk_NNN.mp3 files inside dir.
func (p *Processor) Split(ctx context.Context, audioPath, dir string, durationSec, chunkSeconds float64) ([]string, error) {
	if chunkSeconds <= 0 {
		return nil, errors.New("split: chunk length must be positive")
	}
	if err := fileutil.EnsureDir(dir); err != nil {
		return nil, err
	}
	_, count := PlanChunks(durationSec, 0, 0, chunkSeconds)
	paths := make([]string, 0, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := float64(i) * chunkSeconds
		end := start + chunkSeconds
		if end > durationSec {
			end = durationSec
		}
		out := filepath.Join(dir, fmt.Sprintf("chunk_%03d.mp3", i))
		_, err := command.Exec(ctx, p.runner, p.opts.Timeout, p.opts.FFmpegPath,
			"-y", "-i", audioPath,
			"-ss", formatSeconds(start), "-to", formatSeconds(end),
			"-c:a", "libmp3lame", "-b:a", chunkBitrate,
			out,
		)
		if err != nil {
			return nil, fmt.Errorf("split chunk %d: %w", i, err)
		}
		paths = append(paths, out)
	}
	return paths, nil
}

func (p *Processor) compress(ctx context.Context, taskID, audioPath string) (string, error) {
	out := filepath.Join(filepath.Dir(audioPath), taskID+"_compressed.mp3")
	_, err := command.Exec(ctx, p.runner, p.opts.Timeout, p.opts.FFmpegPath,
		"-y", "-i", audioPath,
		"-c:a", "libmp3lame", "-b:a", chunkBitrate,
		out,
	)
	if err != nil {
		return "", fmt.Errorf("compress audio: %w", err)
	}
	return out, nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
