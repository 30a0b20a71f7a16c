package encode

// keyintOf derives the native encoder's keyframe interval parameter.
// GOPLength 0 (the low-latency default, Open Question #5) has no
// native "infinite" sentinel in any backend's API, so it is expressed
// as a keyframe interval of FPS*1000 frames: besides the first frame
// and ForceIDR requests, a key frame follows every 1000 seconds of
// video.
func keyintOf(cfg Config) int {
	if cfg.GOPLength > 0 {
		return cfg.GOPLength
	}
	return cfg.FPS * 1000
}

// codecCName maps a Codec to the short name the cgo encoder backends'
// init functions switch on.
func codecCName(c Codec) string {
	if c == CodecHEVC {
		return "h265"
	}
	return "h264"
}
