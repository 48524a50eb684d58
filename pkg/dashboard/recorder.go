package dashboard

// Recorder receives operational measurements from a session.
// Implementations must be safe for concurrent use.
type Recorder interface {
	RecordFetch(source, result string, seconds float64)
	RecordRetry()
	RecordGiveUp()
	RecordStale(source string)
	RecordSkippedTick()
	RecordNotify(notifier, result string)
}

type nopRecorder struct{}

func (nopRecorder) RecordFetch(string, string, float64) {}
func (nopRecorder) RecordRetry()                        {}
func (nopRecorder) RecordGiveUp()                       {}
func (nopRecorder) RecordStale(string)                  {}
func (nopRecorder) RecordSkippedTick()                  {}
func (nopRecorder) RecordNotify(string, string)         {}
