package domain

type Phase string

const (
	PhaseInfo     Phase = "info"
	PhaseDownload Phase = "download"
	PhaseConvert  Phase = "convert"
	PhaseCompress Phase = "compress"
	PhaseSplit    Phase = "split"
	PhaseUpload   Phase = "upload"
	PhaseDone     Phase = "done"
)

// ProgressEvent is emitted by the pipeline and splitter and rendered by the reporter.
type ProgressEvent struct {
	Phase   Phase
	Status  string
	Percent float64
	Speed   string
	ETA     string
	Force   bool
}
