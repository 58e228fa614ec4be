package scheduler

import "gonum.org/v1/gonum/stat"

// Metrics accumulates per-step queue-depth and batch-size samples so the
// engine can log periodic health summaries, generalizing the teacher's use
// of gonum for batch-feature statistics (sim/simulator.go RegressionFeatures).
type Metrics struct {
	waitingDepths []float64
	batchSizes    []float64
}

// NewMetrics returns an empty Metrics accumulator.
func NewMetrics() *Metrics { return &Metrics{} }

// Sample records one step's observed WAITING depth and RUNNING batch size.
func (m *Metrics) Sample(s *Scheduler) {
	m.waitingDepths = append(m.waitingDepths, float64(s.NumWaiting()))
	m.batchSizes = append(m.batchSizes, float64(s.NumRunning()))
}

// Summary is a point-in-time mean/variance snapshot.
type Summary struct {
	MeanWaitingDepth float64
	VarWaitingDepth  float64
	MeanBatchSize    float64
	VarBatchSize     float64
	Samples          int
}

// Summarize computes mean and variance over all recorded samples using
// gonum's stat package. Returns the zero Summary if no samples exist yet.
func (m *Metrics) Summarize() Summary {
	if len(m.waitingDepths) == 0 {
		return Summary{}
	}
	meanW, varW := stat.MeanVariance(m.waitingDepths, nil)
	meanB, varB := stat.MeanVariance(m.batchSizes, nil)
	return Summary{
		MeanWaitingDepth: meanW,
		VarWaitingDepth:  varW,
		MeanBatchSize:    meanB,
		VarBatchSize:     varB,
		Samples:          len(m.waitingDepths),
	}
}
