//go:build !windows

package pipeline

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"
	"path/filepath"
	"sync"

	"github.com/daulet/tokenizers"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	initOnce sync.Once
	initErr  error
)

const (
	clipSeqLen = 77
	clipEOS    = 49407

	clipHiddenDim  = 768
	clipGHiddenDim = 1280
	pooledDim      = 1280

	onnxChannels    = 4
	onnxScaleFactor = 8
	vaeScaling      = 0.13025

	guidanceScale          = 5.0
	aestheticScore         = 6.0
	negativeAestheticScore = 2.5
)

func initOnnxRuntime(library string) error {
	initOnce.Do(func() {
		if library != "" {
			ort.SetSharedLibraryPath(library)
		}
		initErr = ort.InitializeEnvironment()
	})
	return initErr
}

type onnxTextEncoder struct {
	tokenizer *tokenizers.Tokenizer
	session   *ort.DynamicAdvancedSession
	hiddenDim int
	pooled    bool
	padID     uint32
}

func loadOnnxTextEncoder(modelDir, tokenizerDir, hiddenOutput string, hiddenDim int, pooled bool, padID uint32) (*onnxTextEncoder, error) {
	tk, err := tokenizers.FromFile(filepath.Join(tokenizerDir, "tokenizer.json"))
	if err != nil {
		return nil, fmt.Errorf("tokenizer load: %w", err)
	}

	outputs := []string{hiddenOutput}
	if pooled {
		outputs = append(outputs, "text_embeds")
	}

	session, err := ort.NewDynamicAdvancedSession(filepath.Join(modelDir, "model.onnx"), []string{"input_ids"}, outputs, nil)
	if err != nil {
		tk.Close()
		return nil, fmt.Errorf("failed to create text encoder session from %s: %w", modelDir, err)
	}

	return &onnxTextEncoder{tokenizer: tk, session: session, hiddenDim: hiddenDim, pooled: pooled, padID: padID}, nil
}

func (e *onnxTextEncoder) tokenize(text string) []int32 {
	ids, _ := e.tokenizer.Encode(text, true)
	if len(ids) > clipSeqLen {
		ids = append(ids[:clipSeqLen-1], clipEOS)
	}

	out := make([]int32, clipSeqLen)
	for i := range out {
		if i < len(ids) {
			out[i] = int32(ids[i])
		} else {
			out[i] = int32(e.padID)
		}
	}
	return out
}

func (e *onnxTextEncoder) Encode(ctx context.Context, text string) (Embedding, error) {
	input, err := ort.NewTensor(ort.NewShape(1, clipSeqLen), e.tokenize(text))
	if err != nil {
		return Embedding{}, err
	}
	defer input.Destroy()

	hidden, err := ort.NewEmptyTensor[float32](ort.NewShape(1, clipSeqLen, int64(e.hiddenDim)))
	if err != nil {
		return Embedding{}, err
	}
	defer hidden.Destroy()

	outputs := []ort.Value{hidden}
	var pooled *ort.Tensor[float32]
	if e.pooled {
		pooled, err = ort.NewEmptyTensor[float32](ort.NewShape(1, pooledDim))
		if err != nil {
			return Embedding{}, err
		}
		defer pooled.Destroy()
		outputs = append(outputs, pooled)
	}

	if err := e.session.Run([]ort.Value{input}, outputs); err != nil {
		return Embedding{}, fmt.Errorf("text encoder session run error: %w", err)
	}

	emb := Embedding{
		Hidden: append([]float32(nil), hidden.GetData()...),
		SeqLen: clipSeqLen,
		Dim:    e.hiddenDim,
	}
	if pooled != nil {
		emb.Pooled = append([]float32(nil), pooled.GetData()...)
	}
	return emb, nil
}

func (e *onnxTextEncoder) Release() {
	e.session.Destroy()
	e.tokenizer.Close()
}

type onnxDecoder struct {
	session *ort.DynamicAdvancedSession
}

func (d *onnxDecoder) Decode(ctx context.Context, latent *Latent) (image.Image, error) {
	scaled := make([]float32, len(latent.Data))
	for i, v := range latent.Data {
		scaled[i] = v / vaeScaling
	}

	input, err := ort.NewTensor(ort.NewShape(latent.Shape()...), scaled)
	if err != nil {
		return nil, err
	}
	defer input.Destroy()

	h, w := latent.Height*onnxScaleFactor, latent.Width*onnxScaleFactor
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(h), int64(w)))
	if err != nil {
		return nil, err
	}
	defer output.Destroy()

	if err := d.session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return nil, fmt.Errorf("vae decoder session run error: %w", err)
	}

	pixels := output.GetData()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			img.SetRGBA(x, y, color.RGBA{
				R: unitToByte(pixels[i]),
				G: unitToByte(pixels[plane+i]),
				B: unitToByte(pixels[2*plane+i]),
				A: 255,
			})
		}
	}
	return img, nil
}

func (d *onnxDecoder) Release() {
	d.session.Destroy()
}

func unitToByte(v float32) uint8 {
	f := math.Max(0, math.Min(1, float64(v)/2+0.5))
	return uint8(math.Round(f * 255))
}

type onnxStage struct {
	shared *SharedComponents
	// CLIP-L encoder owned by the base model only; the refiner conditions on
	// the shared encoder alone.
	ownEncoder TextEncoder
	unet       *ort.DynamicAdvancedSession
	refiner    bool
}

func (s *onnxStage) LatentSpec() LatentSpec {
	return LatentSpec{Channels: onnxChannels, ScaleFactor: onnxScaleFactor}
}

func (s *onnxStage) Shared() *SharedComponents {
	return s.shared
}

func (s *onnxStage) Release() {
	if s.ownEncoder != nil {
		s.ownEncoder.Release()
	}
	s.unet.Destroy()
}

type onnxConditioning struct {
	hidden []float32 // [2][77][dim], negative first
	pooled []float32 // [2][1280]
	timeID []float32 // [2][5|6]
	dim    int
	idLen  int
}

func (s *onnxStage) encode(ctx context.Context, text string) ([]float32, []float32, int, error) {
	if text == "" && !s.refiner {
		dim := clipHiddenDim + clipGHiddenDim
		return make([]float32, clipSeqLen*dim), make([]float32, pooledDim), dim, nil
	}

	g, err := s.shared.TextEncoder.Encode(ctx, text)
	if err != nil {
		return nil, nil, 0, err
	}
	if s.ownEncoder == nil {
		return g.Hidden, g.Pooled, g.Dim, nil
	}

	l, err := s.ownEncoder.Encode(ctx, text)
	if err != nil {
		return nil, nil, 0, err
	}

	dim := l.Dim + g.Dim
	hidden := make([]float32, 0, clipSeqLen*dim)
	for t := 0; t < clipSeqLen; t++ {
		hidden = append(hidden, l.Hidden[t*l.Dim:(t+1)*l.Dim]...)
		hidden = append(hidden, g.Hidden[t*g.Dim:(t+1)*g.Dim]...)
	}
	return hidden, g.Pooled, dim, nil
}

func (s *onnxStage) conditioning(ctx context.Context, params StageParams) (*onnxConditioning, error) {
	negHidden, negPooled, dim, err := s.encode(ctx, params.NegativePrompt)
	if err != nil {
		return nil, fmt.Errorf("error encoding negative prompt: %w", err)
	}
	posHidden, posPooled, _, err := s.encode(ctx, params.Prompt)
	if err != nil {
		return nil, fmt.Errorf("error encoding prompt: %w", err)
	}

	size := float32(params.Height * onnxScaleFactor)
	var negIDs, posIDs []float32
	if s.refiner {
		negIDs = []float32{size, size, 0, 0, negativeAestheticScore}
		posIDs = []float32{size, size, 0, 0, aestheticScore}
	} else {
		negIDs = []float32{size, size, 0, 0, size, size}
		posIDs = negIDs
	}

	return &onnxConditioning{
		hidden: append(negHidden, posHidden...),
		pooled: append(negPooled, posPooled...),
		timeID: append(append([]float32(nil), negIDs...), posIDs...),
		dim:    dim,
		idLen:  len(negIDs),
	}, nil
}

func (s *onnxStage) Denoise(ctx context.Context, params StageParams, gen *Generator, latent *Latent) (*Latent, error) {
	scheduler := NewEulerScheduler(params.TotalSteps)

	if latent == nil {
		latent = NewLatent(onnxChannels, params.Height, params.Width)
		gen.FillNormal(latent.Data)
		sigma := scheduler.InitNoiseSigma()
		for i := range latent.Data {
			latent.Data[i] *= sigma
		}
	}

	if params.Start >= params.End {
		return latent, nil
	}

	cond, err := s.conditioning(ctx, params)
	if err != nil {
		return nil, err
	}

	hidden, err := ort.NewTensor(ort.NewShape(2, clipSeqLen, int64(cond.dim)), cond.hidden)
	if err != nil {
		return nil, err
	}
	defer hidden.Destroy()
	pooled, err := ort.NewTensor(ort.NewShape(2, pooledDim), cond.pooled)
	if err != nil {
		return nil, err
	}
	defer pooled.Destroy()
	timeIDs, err := ort.NewTensor(ort.NewShape(2, int64(cond.idLen)), cond.timeID)
	if err != nil {
		return nil, err
	}
	defer timeIDs.Destroy()

	n := len(latent.Data)
	batchShape := ort.NewShape(2, onnxChannels, int64(latent.Height), int64(latent.Width))
	output, err := ort.NewEmptyTensor[float32](batchShape)
	if err != nil {
		return nil, err
	}
	defer output.Destroy()

	for step := params.Start; step < params.End; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		scaled := scheduler.ScaleModelInput(latent.Data, step)
		sample, err := ort.NewTensor(batchShape, append(scaled, scaled...))
		if err != nil {
			return nil, err
		}
		timestep, err := ort.NewTensor(ort.NewShape(1), []float32{scheduler.Timesteps[step]})
		if err != nil {
			sample.Destroy()
			return nil, err
		}

		err = s.unet.Run([]ort.Value{sample, timestep, hidden, pooled, timeIDs}, []ort.Value{output})
		sample.Destroy()
		timestep.Destroy()
		if err != nil {
			return nil, fmt.Errorf("unet session run error at step %d: %w", step, err)
		}

		pred := output.GetData()
		noise := make([]float32, n)
		for i := range noise {
			uncond := pred[i]
			noise[i] = uncond + guidanceScale*(pred[n+i]-uncond)
		}
		scheduler.Step(latent.Data, noise, step)
	}

	return latent, nil
}

var unetInputs = []string{"sample", "timestep", "encoder_hidden_states", "text_embeds", "time_ids"}

func LoadOnnxPair(cfg LoadConfig) (*Pair, error) {
	if err := initOnnxRuntime(cfg.OnnxRuntimeLibrary); err != nil {
		return nil, fmt.Errorf("error initializing onnx runtime: %w", err)
	}

	var cleanup []func()
	fail := func(err error) (*Pair, error) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		return nil, err
	}

	// text_encoder_2 and the vae decoder are loaded once from the base model
	// and referenced by the refiner.
	encoderG, err := loadOnnxTextEncoder(filepath.Join(cfg.BaseDir, "text_encoder_2"), filepath.Join(cfg.BaseDir, "tokenizer_2"), "hidden_states.31", clipGHiddenDim, true, 0)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, encoderG.Release)

	vae, err := ort.NewDynamicAdvancedSession(filepath.Join(cfg.BaseDir, "vae_decoder", "model.onnx"), []string{"latent_sample"}, []string{"sample"}, nil)
	if err != nil {
		return fail(fmt.Errorf("failed to create vae decoder session: %w", err))
	}
	decoder := &onnxDecoder{session: vae}
	cleanup = append(cleanup, decoder.Release)

	shared := &SharedComponents{TextEncoder: encoderG, Decoder: decoder}

	encoderL, err := loadOnnxTextEncoder(filepath.Join(cfg.BaseDir, "text_encoder"), filepath.Join(cfg.BaseDir, "tokenizer"), "hidden_states.11", clipHiddenDim, false, clipEOS)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, encoderL.Release)

	baseUnet, err := ort.NewDynamicAdvancedSession(filepath.Join(cfg.BaseDir, "unet", "model.onnx"), unetInputs, []string{"out_sample"}, nil)
	if err != nil {
		return fail(fmt.Errorf("failed to create base unet session: %w", err))
	}
	cleanup = append(cleanup, func() { baseUnet.Destroy() })

	refinerUnet, err := ort.NewDynamicAdvancedSession(filepath.Join(cfg.RefinerDir, "unet", "model.onnx"), unetInputs, []string{"out_sample"}, nil)
	if err != nil {
		return fail(fmt.Errorf("failed to create refiner unet session: %w", err))
	}
	cleanup = append(cleanup, func() { refinerUnet.Destroy() })

	size := cfg.ImageSize
	if size == 0 {
		size = 1024
	}

	pair, err := NewPair(
		&onnxStage{shared: shared, ownEncoder: encoderL, unet: baseUnet},
		&onnxStage{shared: shared, unet: refinerUnet, refiner: true},
		size,
	)
	if err != nil {
		return fail(err)
	}

	slog.Info("onnx stage pipelines created", "base", cfg.BaseDir, "refiner", cfg.RefinerDir)
	return pair, nil
}
