package attention

type Options struct {
	// Scale is a scaling factor applied to the attention scores. It overrides
	// Config.Scale when set. Default is 1/√d_k.
	Scale float64

	// Backend names the rung of the backend ladder to use instead of the
	// first one the hardware supports. Unsupported names fall back to
	// automatic selection.
	Backend string
}

func WithScale(scale float64) func(*Options) {
	return func(o *Options) {
		o.Scale = scale
	}
}

func WithBackend(name string) func(*Options) {
	return func(o *Options) {
		o.Backend = name
	}
}
