package models

// DownloadPhase is the registry state of a single URL
type DownloadPhase int

const (
	PhaseIdle DownloadPhase = iota
	PhaseDownloading
	PhasePaused
	PhaseWaitingForConnectivity
)

// String returns the string representation of the phase
func (p DownloadPhase) String() string {
	switch p {
	case PhaseDownloading:
		return "downloading"
	case PhasePaused:
		return "paused"
	case PhaseWaitingForConnectivity:
		return "waiting-for-connectivity"
	default:
		return "idle"
	}
}

// MarshalText implements encoding.TextMarshaler
func (p DownloadPhase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnknownTotal marks a transfer whose size is not known yet
const UnknownTotal int64 = -1

// DownloadStatus is the observable state of one download.
// Total is UnknownTotal until the first progress event reports a size.
type DownloadStatus struct {
	URL      string        `json:"url"`
	Phase    DownloadPhase `json:"phase"`
	Progress float64       `json:"progress"`
	Written  int64         `json:"written"`
	Total    int64         `json:"total"`
}

// Active reports whether a transfer exists for the URL in any form
func (s DownloadStatus) Active() bool {
	return s.Phase != PhaseIdle
}
