package sink

// RunControl is the hook back into the crawling engine. The writer uses
// it to request a graceful end to the run once the duplicate-key
// threshold is reached; the request is advisory, not an immediate halt.
type RunControl interface {
	StopRun(reason string)
}

// NoOpRunControl ignores stop requests. It is the default when the
// caller has no run to stop, e.g. in one-off imports.
type NoOpRunControl struct{}

// StopRun for NoOpRunControl does nothing.
func (NoOpRunControl) StopRun(_ string) {}
