package pipeline

import (
	"math"
)

const (
	trainTimesteps = 1000
	betaStart      = 0.00085
	betaEnd        = 0.012
	stepsOffset    = 1
)

// EulerScheduler is an Euler discrete sampler over a scaled-linear beta
// schedule with "leading" timestep spacing. Base and refiner build the same
// schedule for the same step count, so the refiner can pick up at any index.
type EulerScheduler struct {
	Timesteps []float32
	Sigmas    []float32 // len(Timesteps)+1, last is 0
}

func NewEulerScheduler(steps int) *EulerScheduler {
	trainSigmas := make([]float64, trainTimesteps)
	cumprod := 1.0
	for i := 0; i < trainTimesteps; i++ {
		b := math.Sqrt(betaStart) + float64(i)/float64(trainTimesteps-1)*(math.Sqrt(betaEnd)-math.Sqrt(betaStart))
		cumprod *= 1 - b*b
		trainSigmas[i] = math.Sqrt((1 - cumprod) / cumprod)
	}

	ratio := trainTimesteps / steps
	s := &EulerScheduler{
		Timesteps: make([]float32, steps),
		Sigmas:    make([]float32, steps+1),
	}
	for i := 0; i < steps; i++ {
		t := min((steps-1-i)*ratio+stepsOffset, trainTimesteps-1)
		s.Timesteps[i] = float32(t)
		s.Sigmas[i] = float32(trainSigmas[t])
	}
	s.Sigmas[steps] = 0

	return s
}

func (s *EulerScheduler) InitNoiseSigma() float32 {
	return float32(math.Sqrt(float64(s.Sigmas[0])*float64(s.Sigmas[0]) + 1))
}

// ScaleModelInput returns the UNet input for step i.
func (s *EulerScheduler) ScaleModelInput(sample []float32, i int) []float32 {
	sigma := float64(s.Sigmas[i])
	scale := float32(1 / math.Sqrt(sigma*sigma+1))

	out := make([]float32, len(sample))
	for j, v := range sample {
		out[j] = v * scale
	}
	return out
}

// Step advances sample in place from step i to i+1 given the predicted noise.
func (s *EulerScheduler) Step(sample, noisePred []float32, i int) {
	dt := s.Sigmas[i+1] - s.Sigmas[i]
	for j := range sample {
		sample[j] += noisePred[j] * dt
	}
}
