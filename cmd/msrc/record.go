package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go2tv.app/mediasource/capture"
	"go2tv.app/mediasource/source"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a raw stream to a file or stdout",
	Long: `Record opens the best available backend for the requested kind and
writes the raw stream to the output path. Video is unencoded packed
pixel rows, audio is interleaved samples; the stream parameters are
printed to stderr. A zero duration records until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(viper.GetString("kind"))
		if err != nil {
			return err
		}

		out, closeOut, err := openOutput(viper.GetString("output"))
		if err != nil {
			return err
		}
		defer closeOut()

		opts := &capture.Options{
			SourceIndex:   viper.GetInt("source"),
			Framerate:     uint32(viper.GetUint("framerate")),
			DisableDirect: viper.GetBool("no-direct"),
		}

		var src io.ReadCloser
		switch kind {
		case source.KindVideo:
			stream, err := capture.Open(opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "recording video %dx%d stride %d format %s at %d fps\n",
				stream.Width, stream.Height, stream.Stride, stream.PixelFormat, stream.FrameRate)
			src = stream
		default:
			stream, err := capture.OpenAudio(opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "recording audio %d Hz, %d channels, format %s\n",
				stream.Rate, stream.Channels, stream.SampleFormat)
			src = stream
		}

		stopRecording(src, viper.GetDuration("duration"))

		n, err := io.Copy(out, src)
		fmt.Fprintf(os.Stderr, "wrote %d bytes\n", n)
		return err
	},
}

func init() {
	recordCmd.Flags().Duration("duration", 10*time.Second, "recording length, 0 for unbounded")
	recordCmd.Flags().String("output", "-", "output path, - for stdout")
	recordCmd.Flags().Int("source", -1, "source index from 'sources', negative for the default")
	recordCmd.Flags().Uint("framerate", 0, "requested video frame rate, 0 for the backend default")
	recordCmd.Flags().Bool("no-direct", false, "skip the direct compositor path and use the portal picker")

	_ = viper.BindPFlag("duration", recordCmd.Flags().Lookup("duration"))
	_ = viper.BindPFlag("output", recordCmd.Flags().Lookup("output"))
	_ = viper.BindPFlag("source", recordCmd.Flags().Lookup("source"))
	_ = viper.BindPFlag("framerate", recordCmd.Flags().Lookup("framerate"))
	_ = viper.BindPFlag("no-direct", recordCmd.Flags().Lookup("no-direct"))
}

func openOutput(path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

// stopRecording closes the stream after the duration elapses or on the
// first interrupt, whichever comes first. Closing ends the copy loop
// cleanly.
func stopRecording(src io.ReadCloser, dur time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var timeout <-chan time.Time
	if dur > 0 {
		timeout = time.After(dur)
	}

	go func() {
		select {
		case <-sigChan:
			fmt.Fprintln(os.Stderr, "interrupted, stopping")
		case <-timeout:
		}
		_ = src.Close()
	}()
}
