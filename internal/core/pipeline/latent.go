package pipeline

import (
	"math/rand/v2"
)

// Latent is the partially denoised representation handed from the base stage
// to the refiner stage. Data is laid out channel-major: [Channels][Height][Width].
type Latent struct {
	Channels int
	Height   int
	Width    int
	Data     []float32
}

func NewLatent(channels, height, width int) *Latent {
	return &Latent{
		Channels: channels,
		Height:   height,
		Width:    width,
		Data:     make([]float32, channels*height*width),
	}
}

func (l *Latent) At(c, y, x int) float32 {
	return l.Data[(c*l.Height+y)*l.Width+x]
}

func (l *Latent) Set(c, y, x int, v float32) {
	l.Data[(c*l.Height+y)*l.Width+x] = v
}

func (l *Latent) Shape() []int64 {
	return []int64{1, int64(l.Channels), int64(l.Height), int64(l.Width)}
}

// Generator is the single deterministic random source of one inference. The
// same instance is threaded through the base and refiner stages so the refiner
// continues the random stream where the base stopped.
type Generator struct {
	seed int64
	rng  *rand.Rand
}

const generatorStream = 0x9e3779b97f4a7c15

func NewGenerator(seed int64) *Generator {
	return &Generator{
		seed: seed,
		rng:  rand.New(rand.NewPCG(uint64(seed), generatorStream)),
	}
}

func (g *Generator) Seed() int64 {
	return g.seed
}

func (g *Generator) NormFloat32() float32 {
	return float32(g.rng.NormFloat64())
}

func (g *Generator) FillNormal(dst []float32) {
	for i := range dst {
		dst[i] = g.NormFloat32()
	}
}
