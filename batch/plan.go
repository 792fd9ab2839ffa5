package batch

// MaxWorkers caps the worker count chosen by Plan.
const MaxWorkers = 20

// Plan is a sizing decision for one job.
type Plan struct {
	Limits  Limits
	Workers int
}

// Scale picks batch limits and a worker count from the total content size.
// Small inputs get smaller batches; larger inputs trade per-batch latency
// for throughput with bigger batches and up to MaxWorkers workers. The
// character budget of base is kept unless it is unset.
func Scale(totalChars int, base Limits, workers int) Plan {
	p := Plan{Limits: base, Workers: workers}
	if p.Limits.MaxChars <= 0 {
		p.Limits.MaxChars = DefaultMaxChars
	}

	switch {
	case totalChars < 10_000:
		p.Limits.MaxUnits = 15
	case totalChars < 50_000:
		p.Limits.MaxUnits = 20
		p.Workers = max(p.Workers, MaxWorkers/2)
	default:
		p.Limits.MaxUnits = 25
		p.Workers = MaxWorkers
	}

	if p.Workers <= 0 {
		p.Workers = 1
	}
	if p.Workers > MaxWorkers {
		p.Workers = MaxWorkers
	}
	return p
}
