package reporter

// Reporter receives the events of a launcher run.
type Reporter interface {
	RunStarted(info RunInfo)
	TestStarted(info TestInfo)
	TestFinished(outcome TestOutcome)
	Progress(info ProgressInfo)
	Retrying(classnames []string)
	Iteration(info IterationInfo)
	Warning(message string)
	Error(err ReporterError)
	Verbose(message string)
	FinalReport(summary Summary)
}

// NullReporter is a no-op reporter that discards all updates.
type NullReporter struct{}

func (NullReporter) RunStarted(RunInfo)       {}
func (NullReporter) TestStarted(TestInfo)     {}
func (NullReporter) TestFinished(TestOutcome) {}
func (NullReporter) Progress(ProgressInfo)    {}
func (NullReporter) Retrying([]string)        {}
func (NullReporter) Iteration(IterationInfo)  {}
func (NullReporter) Warning(string)           {}
func (NullReporter) Error(ReporterError)      {}
func (NullReporter) Verbose(string)           {}
func (NullReporter) FinalReport(Summary)      {}
