package domain

// PreviewStatus describes the out-of-band build/preview pipeline.
type PreviewStatus string

const (
	// PreviewIdle means no build has been started for the session yet.
	PreviewIdle PreviewStatus = "idle"
	// PreviewBuilding means a build is in progress.
	PreviewBuilding PreviewStatus = "building"
	// PreviewRunning means the preview is serving; PreviewURL is set.
	PreviewRunning PreviewStatus = "running"
	// PreviewError means the build failed or polling gave up.
	PreviewError PreviewStatus = "error"
)

// SessionState is the full observable state of one active session view.
// It is owned exclusively by the state store; consumers read snapshots.
type SessionState struct {
	Messages         []Message
	IsStreaming      bool
	IsInterrupting   bool
	PreviewURL       string
	PreviewStatus    PreviewStatus
	DeploymentID     string
	Model            string
	CurrentIframeURL string
	GitRepoFullName  string
}
