//go:build darwin

package platform

// Init on macOS needs no display server bootstrap: capture goes
// directly against the host display via ScreenCaptureKit, so the
// only job here is filling in a default display name.
func Init(cfg *Config) (func(), error) {
	if cfg.Display == "" {
		cfg.Display = "main"
	}
	return func() {}, nil
}
