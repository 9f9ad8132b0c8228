package spa

import "fmt"

// VideoInfo is a negotiated raw video format.
type VideoInfo struct {
	Format    Word
	Size      Rectangle
	Framerate Fraction
}

// AudioInfo is a negotiated raw audio format.
type AudioInfo struct {
	Format   Word
	Rate     int32
	Channels int32
}

// StreamFormat is the one-time decoded result of a Format parameter.
type StreamFormat struct {
	MediaType Word
	Video     VideoInfo
	Audio     AudioInfo
}

// VideoEnumFormat builds the EnumFormat pod offered at video stream
// connect: a set of accepted pixel formats, a size range around the
// requested geometry, and a framerate range around the requested rate.
func VideoEnumFormat(size Rectangle, framerate Fraction) []byte {
	var b Builder
	b.Object(TypeObjectFormat, ParamEnumFormat, func(b *Builder) {
		b.Prop(FormatMediaType)
		b.ID(MediaTypeVideo)
		b.Prop(FormatMediaSubtype)
		b.ID(MediaSubtypeRaw)
		b.Prop(FormatVideoFormat)
		b.ChoiceEnumID(VideoFormatBGRx,
			VideoFormatRGBx,
			VideoFormatRGBA,
			VideoFormatBGRA,
			VideoFormatRGB,
			VideoFormatBGR)
		b.Prop(FormatVideoSize)
		b.ChoiceRangeRectangle(size,
			Rectangle{Width: 1, Height: 1},
			Rectangle{Width: 8192, Height: 8192})
		b.Prop(FormatVideoFramerate)
		b.ChoiceRangeFraction(framerate,
			Fraction{Num: 0, Denom: 1},
			Fraction{Num: 1000, Denom: 1})
	})
	return b.Bytes()
}

// AudioEnumFormat builds the fixed-format pod offered at audio stream
// connect: interleaved S16 at the requested rate and channel count.
func AudioEnumFormat(rate, channels int32) []byte {
	var b Builder
	b.Object(TypeObjectFormat, ParamEnumFormat, func(b *Builder) {
		b.Prop(FormatMediaType)
		b.ID(MediaTypeAudio)
		b.Prop(FormatMediaSubtype)
		b.ID(MediaSubtypeRaw)
		b.Prop(FormatAudioFormat)
		b.ID(AudioFormatS16LE)
		b.Prop(FormatAudioRate)
		b.Int(rate)
		b.Prop(FormatAudioChannels)
		b.Int(channels)
	})
	return b.Bytes()
}

// ParseFormat decodes a negotiated Format parameter into a typed
// result, validating the expected shape once and surfacing a single
// structured error for any violation.
func ParseFormat(data []byte) (StreamFormat, error) {
	pod, err := Parse(data)
	if err != nil {
		return StreamFormat{}, err
	}
	objectType, _, props, err := pod.Object()
	if err != nil {
		return StreamFormat{}, err
	}
	if objectType != TypeObjectFormat {
		return StreamFormat{}, fmt.Errorf("%w: object type %#x is not a format", ErrUnexpected, objectType)
	}

	mediaType, err := requireProp(props, FormatMediaType, "media type", Pod.ID)
	if err != nil {
		return StreamFormat{}, err
	}
	subtype, err := requireProp(props, FormatMediaSubtype, "media subtype", Pod.ID)
	if err != nil {
		return StreamFormat{}, err
	}
	if subtype != MediaSubtypeRaw {
		return StreamFormat{}, fmt.Errorf("%w: media subtype %d is not raw", ErrUnexpected, subtype)
	}

	out := StreamFormat{MediaType: mediaType}
	switch mediaType {
	case MediaTypeVideo:
		if out.Video.Format, err = requireProp(props, FormatVideoFormat, "video format", Pod.ID); err != nil {
			return StreamFormat{}, err
		}
		if out.Video.Size, err = requireProp(props, FormatVideoSize, "video size", Pod.Rectangle); err != nil {
			return StreamFormat{}, err
		}
		// Framerate is advisory for capture; tolerate its absence.
		if fr, ok := props[FormatVideoFramerate]; ok {
			if out.Video.Framerate, err = fr.Fraction(); err != nil {
				return StreamFormat{}, err
			}
		}
	case MediaTypeAudio:
		if out.Audio.Format, err = requireProp(props, FormatAudioFormat, "audio format", Pod.ID); err != nil {
			return StreamFormat{}, err
		}
		if out.Audio.Rate, err = requireProp(props, FormatAudioRate, "audio rate", Pod.Int); err != nil {
			return StreamFormat{}, err
		}
		if out.Audio.Channels, err = requireProp(props, FormatAudioChannels, "audio channels", Pod.Int); err != nil {
			return StreamFormat{}, err
		}
	default:
		return StreamFormat{}, fmt.Errorf("%w: media type %d", ErrUnexpected, mediaType)
	}
	return out, nil
}

func requireProp[T any](props map[Word]Pod, key Word, what string, decode func(Pod) (T, error)) (T, error) {
	pod, ok := props[key]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: format is missing its %s", ErrUnexpected, what)
	}
	v, err := decode(pod)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("decoding %s: %w", what, err)
	}
	return v, nil
}
