package media

import (
	"fmt"
	"strconv"
	"strings"
)

// videoFilter scales to fit inside the target frame keeping the aspect ratio,
// then pads with black so the content sits centered.
func (s Settings) videoFilter() string {
	return fmt.Sprintf(
		"scale=%[1]d:%[2]d:force_original_aspect_ratio=decrease,pad=%[1]d:%[2]d:(ow-iw)/2:(oh-ih)/2:color=black,setsar=1,fps=%[3]d,format=yuv420p",
		s.Width, s.Height, s.FPS,
	)
}

func (s Settings) audioFilter() string {
	return fmt.Sprintf("aresample=%d,aformat=sample_fmts=fltp:channel_layouts=%s", s.SampleRate, s.channelLayout())
}

func (s Settings) channelLayout() string {
	if s.Channels == 1 {
		return "mono"
	}
	return "stereo"
}

// transcodeArgs normalizes one source into the intermediate form. Sources
// without an audio stream get a silent track so every part has the same
// stream layout for the stream-copy concat.
func (s Settings) transcodeArgs(source, output string, hasAudio bool) []string {
	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-loglevel", "error",
		"-i", source,
	}

	audioMap := "0:a:0"
	if !hasAudio {
		silence := fmt.Sprintf("anullsrc=channel_layout=%s:sample_rate=%d", s.channelLayout(), s.SampleRate)
		args = append(args, "-f", "lavfi", "-i", silence)
		audioMap = "1:a:0"
	}

	args = append(args,
		"-map", "0:v:0",
		"-map", audioMap,
		"-vf", s.videoFilter(),
		"-af", s.audioFilter(),
		"-c:v", "libx264",
		"-preset", s.Preset,
		"-crf", strconv.Itoa(s.CRF),
		"-c:a", "aac",
		"-b:a", "192k",
		"-ar", strconv.Itoa(s.SampleRate),
		"-ac", strconv.Itoa(s.Channels),
	)
	if !hasAudio {
		args = append(args, "-shortest")
	}

	return append(args, "-max_muxing_queue_size", "1024", output)
}

// probeAudioArgs lists the audio streams of source, one index per line.
func probeAudioArgs(source string) []string {
	return []string{
		"-v", "error",
		"-select_streams", "a",
		"-show_entries", "stream=index",
		"-of", "csv=p=0",
		"--", source,
	}
}

// concatArgs joins the intermediate parts listed in manifest without
// re-encoding.
func (s Settings) concatArgs(manifest, output string) []string {
	return []string{
		"-hide_banner", "-nostdin", "-y",
		"-loglevel", "error",
		"-f", "concat",
		"-safe", "0",
		"-i", manifest,
		"-c", "copy",
		"-movflags", "+faststart",
		output,
	}
}

// manifestLine renders one entry of an ffmpeg concat demuxer list.
func manifestLine(path string) string {
	return "file '" + strings.ReplaceAll(path, "'", `'\''`) + "'\n"
}
