package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/transcodarr/internal/ffmpeg"
)

var (
	probeDurationOnly bool
	probeStreamType   string
)

var probeCmd = &cobra.Command{
	Use:   "probe <file-or-url>",
	Short: "Probe a media file with ffprobe",
	Long:  `Print the ffprobe format and stream information for a local file or URL as JSON.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path, err := ffmpeg.FindBinary(cfg.FFmpeg.ProbePath, "ffprobe", ffmpeg.FFprobeBinaryEnv)
		if err != nil {
			return fmt.Errorf("locating ffprobe: %w", err)
		}
		prober := ffmpeg.NewProber(path, slog.Default()).WithTimeout(cfg.FFmpeg.ProbeTimeout)

		if probeDurationOnly {
			seconds, err := prober.Duration(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.3f\n", seconds)
			return nil
		}

		result, err := prober.Probe(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if probeStreamType != "" {
			result.Streams = result.GetStreamsByType(probeStreamType)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	probeCmd.Flags().BoolVar(&probeDurationOnly, "duration", false, "print only the duration in seconds")
	probeCmd.Flags().StringVar(&probeStreamType, "stream-type", "", "only list streams of this codec type (video, audio, subtitle, data)")
	rootCmd.AddCommand(probeCmd)
}
