package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/chaos-io/megaphototool/enhance"
	"github.com/chaos-io/megaphototool/enhance/rembg"
	"github.com/segmentio/ksuid"
	"golang.org/x/sync/semaphore"
)

type Options struct {
	Remover   rembg.Remover
	Resampler *enhance.Resampler
	// MaxBoost bounds Params.Boost; 0 leaves it unbounded.
	MaxBoost float64
	// MaxSize bounds Params.Size; 0 means DefaultMaxSize.
	MaxSize enhance.TargetSize
	// SkipIfTransparent passes uploads that already carry transparency straight through.
	SkipIfTransparent bool
	Logger            *slog.Logger
	Now               func() time.Time
}

// Pipeline runs one image at a time through
// decode → remove background → brighten → resize → encode.
type Pipeline struct {
	remover           rembg.Remover
	resampler         *enhance.Resampler
	maxBoost          float64
	maxSize           enhance.TargetSize
	skipIfTransparent bool
	log               *slog.Logger
	now               func() time.Time

	// run admits a single Process or Update at a time.
	run *semaphore.Weighted

	mu          sync.Mutex
	state       State
	mode        Mode
	result      *Result
	preview     *Preview
	subscribers map[int]func(Transition)
	nextSub     int
}

func New(opts Options) *Pipeline {
	p := &Pipeline{
		remover:           opts.Remover,
		resampler:         opts.Resampler,
		maxBoost:          opts.MaxBoost,
		maxSize:           opts.MaxSize,
		skipIfTransparent: opts.SkipIfTransparent,
		log:               opts.Logger,
		now:               opts.Now,
		run:               semaphore.NewWeighted(1),
		state:             Idle,
		mode:              ModeExpress,
		subscribers:       make(map[int]func(Transition)),
	}
	if p.remover == nil {
		p.remover = rembg.NewDefaultRemBG()
	}
	if p.resampler == nil {
		p.resampler = enhance.NewResampler(enhance.FilterBilinear)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.maxSize <= 0 {
		p.maxSize = DefaultMaxSize
	}
	return p
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Result returns the published result or nil.
func (p *Pipeline) Result() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Preview returns the latest preview or nil.
func (p *Pipeline) Preview() *Preview {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.preview
}

// Subscribe registers fn for state transitions. fn runs synchronously and must not block.
func (p *Pipeline) Subscribe(fn func(Transition)) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subscribers[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subscribers, id)
		p.mu.Unlock()
	}
}

func (p *Pipeline) transition(to State) {
	p.mu.Lock()
	from := p.state
	p.state = to
	subs := make([]func(Transition), 0, len(p.subscribers))
	for _, fn := range p.subscribers {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	t := Transition{From: from, To: to, At: p.now()}
	for _, fn := range subs {
		fn(t)
	}
}

// Process runs a full pass for req. A second call while one is running fails with ErrBusy.
// On any failure the pipeline is back in Idle and nothing is published.
func (p *Pipeline) Process(ctx context.Context, req Request) (res *Result, err error) {
	if !IsImage(req.Upload.MediaType) {
		return nil, fmt.Errorf("%w: %q", ErrNotImage, req.Upload.MediaType)
	}
	if err := req.Params.validate(p.maxBoost, p.maxSize); err != nil {
		return nil, err
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeExpress
	}
	if mode != ModeExpress && mode != ModePreview {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	if !p.run.TryAcquire(1) {
		return nil, ErrBusy
	}
	defer p.run.Release(1)

	p.mu.Lock()
	p.result, p.preview = nil, nil
	p.mu.Unlock()

	p.transition(Uploading)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("processing panicked", "upload", req.Upload.Name, "panic", r)
			p.mu.Lock()
			p.result, p.preview = nil, nil
			p.mu.Unlock()
			res, err = nil, fmt.Errorf("processing panicked: %v", r)
		}
		if err != nil {
			p.transition(Idle)
		}
	}()

	decoded, err := enhance.Decode(req.Upload.Data)
	if err != nil {
		return nil, fmt.Errorf("decode upload: %w: %w", ErrInvalidImage, err)
	}

	p.transition(BackgroundRemoving)
	cutout, err := p.cutout(ctx, req.Upload.Data, decoded)
	if err != nil {
		p.log.Error("processing stopped", "upload", req.Upload.Name, "err", err)
		return nil, err
	}

	final, err := p.render(cutout, req.Params, true)
	if err != nil {
		return nil, err
	}

	png, err := enhance.EncodePNG(final)
	if err != nil {
		return nil, err
	}

	now := p.now()
	res = &Result{
		ID:                ksuid.New().String(),
		Name:              req.Upload.Name,
		Original:          req.Upload.Data,
		OriginalType:      req.Upload.MediaType,
		BackgroundRemoved: cutout,
		Enhanced:          final,
		PNG:               png,
		Width:             final.Bounds().Dx(),
		Height:            final.Bounds().Dy(),
		Params:            req.Params,
		Mode:              mode,
		CreatedAt:         now,
	}

	p.mu.Lock()
	p.result = res
	p.mode = mode
	if mode == ModePreview {
		p.preview = &Preview{PNG: png, Width: res.Width, Height: res.Height, Params: req.Params, CreatedAt: now}
	}
	p.mu.Unlock()

	p.transition(Ready)
	p.log.Info("image processed", "id", res.ID, "upload", res.Name, "mode", mode,
		"boost", req.Params.Boost, "size", req.Params.Size, "width", res.Width, "height", res.Height)
	return res, nil
}

// cutout returns the background removed bitmap for an upload.
func (p *Pipeline) cutout(ctx context.Context, data []byte, decoded *image.NRGBA) (*image.NRGBA, error) {
	if p.skipIfTransparent && enhance.HasUsefulAlpha(decoded) {
		p.log.Debug("upload already transparent, skipping background removal")
		return decoded, nil
	}

	removed, err := p.removeBackground(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackgroundRemoval, err)
	}
	cutout, err := enhance.Decode(removed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackgroundRemoval, err)
	}
	return cutout, nil
}

func (p *Pipeline) removeBackground(ctx context.Context, data []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("remover panicked: %v", r)
		}
	}()
	return p.remover.Remove(ctx, data)
}

// render brightens and resizes src. src is never modified.
func (p *Pipeline) render(src *image.NRGBA, params Params, report bool) (*image.NRGBA, error) {
	if report {
		p.transition(Enhancing)
	}
	enhanced := enhance.Brighten(src, params.Boost)

	if report {
		p.transition(Resizing)
	}
	final, err := p.resampler.Resize(enhanced, params.Size)
	if err != nil {
		return nil, fmt.Errorf("resize: %w", err)
	}
	return final, nil
}

// Update recomputes the preview for new params from the cached background removed bitmap.
// The remover is not called again and the Result stays as it was.
func (p *Pipeline) Update(ctx context.Context, params Params) (preview *Preview, err error) {
	if err := params.validate(p.maxBoost, p.maxSize); err != nil {
		return nil, err
	}
	if p.State() != Ready {
		return nil, ErrNotReady
	}

	if err := p.run.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.run.Release(1)

	p.mu.Lock()
	res := p.result
	ready := p.state == Ready
	p.mu.Unlock()
	if !ready || res == nil {
		return nil, ErrNotReady
	}

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("preview panicked", "id", res.ID, "panic", r)
			preview, err = nil, fmt.Errorf("preview panicked: %v", r)
		}
	}()

	final, err := p.render(res.BackgroundRemoved, params, false)
	if err != nil {
		return nil, err
	}
	png, err := enhance.EncodePNG(final)
	if err != nil {
		return nil, err
	}

	preview = &Preview{
		PNG:       png,
		Width:     final.Bounds().Dx(),
		Height:    final.Bounds().Dy(),
		Params:    params,
		CreatedAt: p.now(),
	}

	p.mu.Lock()
	p.preview = preview
	p.mode = ModePreview
	p.mu.Unlock()

	p.log.Debug("preview updated", "id", res.ID, "boost", params.Boost, "size", params.Size)
	return preview, nil
}

// Express processes upload in express mode and returns the artifact for immediate download.
func (p *Pipeline) Express(ctx context.Context, upload Upload, params Params) (*Artifact, error) {
	res, err := p.Process(ctx, Request{Upload: upload, Params: params, Mode: ModeExpress})
	if err != nil {
		return nil, err
	}
	return &Artifact{
		Name:   ArtifactName(res.CreatedAt),
		PNG:    res.PNG,
		Width:  res.Width,
		Height: res.Height,
	}, nil
}

// Download returns the preview in preview mode, otherwise the processed result.
func (p *Pipeline) Download() (*Artifact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Ready || p.result == nil {
		return nil, ErrNotReady
	}
	a := &Artifact{
		Name:   ArtifactName(p.now()),
		PNG:    p.result.PNG,
		Width:  p.result.Width,
		Height: p.result.Height,
	}
	if p.mode == ModePreview && p.preview != nil {
		a.PNG, a.Width, a.Height = p.preview.PNG, p.preview.Width, p.preview.Height
	}
	return a, nil
}

// Reset drops the result so the next image can be processed. It fails while a run is active.
func (p *Pipeline) Reset() error {
	if !p.run.TryAcquire(1) {
		return ErrBusy
	}
	defer p.run.Release(1)

	p.mu.Lock()
	p.result, p.preview = nil, nil
	p.mu.Unlock()

	if p.State() != Idle {
		p.transition(Idle)
	}
	return nil
}
