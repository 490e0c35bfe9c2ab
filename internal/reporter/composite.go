package reporter

// CompositeReporter fans out events to multiple reporters.
type CompositeReporter struct {
	reporters []Reporter
}

// NewCompositeReporter creates a composite reporter.
func NewCompositeReporter(reporters ...Reporter) *CompositeReporter {
	return &CompositeReporter{reporters: reporters}
}

// Add appends a reporter.
func (c *CompositeReporter) Add(r Reporter) {
	c.reporters = append(c.reporters, r)
}

func (c *CompositeReporter) RunStarted(info RunInfo) {
	for _, r := range c.reporters {
		r.RunStarted(info)
	}
}

func (c *CompositeReporter) TestStarted(info TestInfo) {
	for _, r := range c.reporters {
		r.TestStarted(info)
	}
}

func (c *CompositeReporter) TestFinished(outcome TestOutcome) {
	for _, r := range c.reporters {
		r.TestFinished(outcome)
	}
}

func (c *CompositeReporter) Progress(info ProgressInfo) {
	for _, r := range c.reporters {
		r.Progress(info)
	}
}

func (c *CompositeReporter) Retrying(classnames []string) {
	for _, r := range c.reporters {
		r.Retrying(classnames)
	}
}

func (c *CompositeReporter) Iteration(info IterationInfo) {
	for _, r := range c.reporters {
		r.Iteration(info)
	}
}

func (c *CompositeReporter) Warning(message string) {
	for _, r := range c.reporters {
		r.Warning(message)
	}
}

func (c *CompositeReporter) Error(err ReporterError) {
	for _, r := range c.reporters {
		r.Error(err)
	}
}

func (c *CompositeReporter) Verbose(message string) {
	for _, r := range c.reporters {
		r.Verbose(message)
	}
}

func (c *CompositeReporter) FinalReport(summary Summary) {
	for _, r := range c.reporters {
		r.FinalReport(summary)
	}
}
