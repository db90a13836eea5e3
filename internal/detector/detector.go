package detector

// Detector decides whether a server process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive reports whether the process is running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}
