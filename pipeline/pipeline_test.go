package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/chaos-io/megaphototool/enhance"
	"github.com/chaos-io/megaphototool/enhance/rembg/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func solidPNG(t *testing.T, w, h int, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func upload(data []byte) Upload {
	return Upload{Name: "product.png", MediaType: "image/png", Data: data}
}

func decodePNG(t *testing.T, data []byte) *image.NRGBA {
	t.Helper()
	img, err := enhance.Decode(data)
	require.NoError(t, err)
	return img
}

func assertEveryPixel(t *testing.T, img *image.NRGBA, want color.NRGBA) {
	t.Helper()
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if got := img.NRGBAAt(x, y); got != want {
				t.Fatalf("pixel (%d,%d) = %v, want %v", x, y, got, want)
			}
		}
	}
}

// recorder collects the states a pipeline passes through.
type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) observe(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, t.To)
}

func (r *recorder) seen() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func TestProcess_BlackStaysBlack(t *testing.T) {
	p := New(Options{})
	rec := &recorder{}
	p.Subscribe(rec.observe)

	res, err := p.Process(context.Background(), Request{
		Upload: upload(solidPNG(t, 100, 100, color.NRGBA{0, 0, 0, 255})),
		Params: Params{Boost: 15, Size: enhance.Original},
	})
	require.NoError(t, err)

	assert.Equal(t, 100, res.Width)
	assert.Equal(t, 100, res.Height)
	assertEveryPixel(t, decodePNG(t, res.PNG), color.NRGBA{0, 0, 0, 255})
	assert.Equal(t, Ready, p.State())
	assert.Same(t, res, p.Result())
	assert.Equal(t, ModeExpress, res.Mode)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, []State{Uploading, BackgroundRemoving, Enhancing, Resizing, Ready}, rec.seen())
}

func TestProcess_ClampsToWhite(t *testing.T) {
	p := New(Options{})

	res, err := p.Process(context.Background(), Request{
		Upload: upload(solidPNG(t, 10, 10, color.NRGBA{200, 200, 200, 255})),
		Params: Params{Boost: 50},
	})
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 10, 10), res.Enhanced.Bounds())
	assertEveryPixel(t, res.Enhanced, color.NRGBA{255, 255, 255, 255})
	assertEveryPixel(t, decodePNG(t, res.PNG), color.NRGBA{255, 255, 255, 255})
	// the cached cutout is never brightened in place
	assertEveryPixel(t, res.BackgroundRemoved, color.NRGBA{200, 200, 200, 255})
}

func TestProcess_ResizesToSquare(t *testing.T) {
	p := New(Options{})

	res, err := p.Process(context.Background(), Request{
		Upload: upload(solidPNG(t, 50, 80, color.NRGBA{10, 20, 30, 255})),
		Params: Params{Boost: 0, Size: 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, 1000, res.Width)
	assert.Equal(t, 1000, res.Height)

	cfg, err := png.DecodeConfig(bytes.NewReader(res.PNG))
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Width)
	assert.Equal(t, 1000, cfg.Height)
}

func TestProcess_UsesRemoverOutput(t *testing.T) {
	ctrl := gomock.NewController(t)
	remover := mocks.NewMockRemover(ctrl)

	in := solidPNG(t, 4, 4, color.NRGBA{100, 100, 100, 255})
	cut := solidPNG(t, 4, 4, color.NRGBA{100, 0, 0, 0})
	remover.EXPECT().Remove(gomock.Any(), in).Return(cut, nil).Times(1)

	res, err := New(Options{Remover: remover}).Process(context.Background(), Request{
		Upload: upload(in),
		Params: Params{Boost: 10},
	})
	require.NoError(t, err)
	assertEveryPixel(t, res.Enhanced, color.NRGBA{110, 0, 0, 0})
	assert.Equal(t, in, res.Original)
}

func TestProcess_RemoverFailure(t *testing.T) {
	tests := []struct {
		name  string
		setup func(m *mocks.MockRemoverMockRecorder)
	}{
		{"error", func(m *mocks.MockRemoverMockRecorder) {
			m.Remove(gomock.Any(), gomock.Any()).Return(nil, errors.New("model unavailable"))
		}},
		{"panic", func(m *mocks.MockRemoverMockRecorder) {
			m.Remove(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, []byte) ([]byte, error) {
				panic("segfault in model")
			})
		}},
		{"garbage output", func(m *mocks.MockRemoverMockRecorder) {
			m.Remove(gomock.Any(), gomock.Any()).Return([]byte("not a png"), nil)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			remover := mocks.NewMockRemover(ctrl)
			tt.setup(remover.EXPECT())

			p := New(Options{Remover: remover})
			rec := &recorder{}
			p.Subscribe(rec.observe)

			var (
				res *Result
				err error
			)
			require.NotPanics(t, func() {
				res, err = p.Process(context.Background(), Request{
					Upload: upload(solidPNG(t, 8, 8, color.NRGBA{1, 2, 3, 255})),
					Params: Params{Boost: 15},
				})
			})

			assert.ErrorIs(t, err, ErrBackgroundRemoval)
			assert.Nil(t, res)
			assert.Nil(t, p.Result())
			assert.Nil(t, p.Preview())
			assert.Equal(t, Idle, p.State())
			assert.Equal(t, []State{Uploading, BackgroundRemoving, Idle}, rec.seen())

			_, err = p.Download()
			assert.ErrorIs(t, err, ErrNotReady)
		})
	}
}

func TestProcess_FailureDiscardsPreviousResult(t *testing.T) {
	ctrl := gomock.NewController(t)
	remover := mocks.NewMockRemover(ctrl)
	gomock.InOrder(
		remover.EXPECT().Remove(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, b []byte) ([]byte, error) { return b, nil }),
		remover.EXPECT().Remove(gomock.Any(), gomock.Any()).Return(nil, errors.New("boom")),
	)

	p := New(Options{Remover: remover})
	req := Request{Upload: upload(solidPNG(t, 2, 2, color.NRGBA{9, 9, 9, 255})), Params: Params{Boost: 5}}

	_, err := p.Process(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, p.Result())

	_, err = p.Process(context.Background(), req)
	require.Error(t, err)
	assert.Nil(t, p.Result())
	assert.Equal(t, Idle, p.State())
}

func TestProcess_Rejections(t *testing.T) {
	ctrl := gomock.NewController(t)
	remover := mocks.NewMockRemover(ctrl) // any call fails the test

	p := New(Options{Remover: remover, MaxBoost: 50})
	data := solidPNG(t, 2, 2, color.NRGBA{1, 1, 1, 255})

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{"text file", Request{Upload: Upload{Name: "notes.txt", MediaType: "text/plain", Data: []byte("hi")}}, ErrNotImage},
		{"no media type", Request{Upload: Upload{Name: "x", Data: data}}, ErrNotImage},
		{"negative boost", Request{Upload: upload(data), Params: Params{Boost: -5}}, ErrInvalidBoost},
		{"boost over max", Request{Upload: upload(data), Params: Params{Boost: 55}}, ErrInvalidBoost},
		{"negative size", Request{Upload: upload(data), Params: Params{Size: -10}}, enhance.ErrInvalidTargetSize},
		{"size over default max", Request{Upload: upload(data), Params: Params{Size: DefaultMaxSize + 1}}, enhance.ErrInvalidTargetSize},
		{"size too large to allocate", Request{Upload: upload(data), Params: Params{Size: 2_000_000_000}}, enhance.ErrInvalidTargetSize},
		{"bad mode", Request{Upload: upload(data), Mode: "turbo"}, ErrInvalidMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Process(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, Idle, p.State())
		})
	}
}

func TestProcess_UndecodableUpload(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := New(Options{Remover: mocks.NewMockRemover(ctrl)})

	_, err := p.Process(context.Background(), Request{
		Upload: Upload{Name: "fake.png", MediaType: "image/png", Data: []byte("nope")},
	})
	assert.ErrorIs(t, err, ErrInvalidImage)
	assert.NotErrorIs(t, err, ErrBackgroundRemoval)
	assert.Equal(t, Idle, p.State())
}

func TestProcess_MaxSize(t *testing.T) {
	p := New(Options{MaxSize: 64})
	data := solidPNG(t, 2, 2, color.NRGBA{1, 1, 1, 255})

	_, err := p.Process(context.Background(), Request{Upload: upload(data), Params: Params{Size: 65}})
	assert.ErrorIs(t, err, enhance.ErrInvalidTargetSize)
	assert.Equal(t, Idle, p.State())

	res, err := p.Process(context.Background(), Request{Upload: upload(data), Params: Params{Size: 64}})
	require.NoError(t, err)
	assert.Equal(t, 64, res.Width)

	_, err = p.Update(context.Background(), Params{Size: 65})
	assert.ErrorIs(t, err, enhance.ErrInvalidTargetSize)
	assert.Nil(t, p.Preview())
}

func TestProcess_PanicReturnsToIdle(t *testing.T) {
	p := New(Options{})
	rec := &recorder{}
	p.Subscribe(rec.observe)
	armed := true
	p.Subscribe(func(tr Transition) {
		if armed && tr.To == Resizing {
			armed = false
			panic("subscriber blew up")
		}
	})

	var (
		res *Result
		err error
	)
	require.NotPanics(t, func() {
		res, err = p.Process(context.Background(), Request{
			Upload: upload(solidPNG(t, 4, 4, color.NRGBA{10, 20, 30, 255})),
			Params: Params{Boost: 15, Size: 8},
		})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscriber blew up")
	assert.Nil(t, res)
	assert.Nil(t, p.Result())
	assert.Equal(t, Idle, p.State())
	assert.Equal(t, Idle, rec.seen()[len(rec.seen())-1])

	// the run slot was released
	_, err = p.Process(context.Background(), Request{Upload: upload(solidPNG(t, 4, 4, color.NRGBA{10, 20, 30, 255}))})
	assert.NoError(t, err)
	assert.Equal(t, Ready, p.State())
}

// blockingRemover holds every call until release is closed.
type blockingRemover struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRemover) Remove(ctx context.Context, data []byte) ([]byte, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestProcess_BusyWhileRunning(t *testing.T) {
	remover := &blockingRemover{entered: make(chan struct{}, 1), release: make(chan struct{})}
	p := New(Options{Remover: remover})
	req := Request{Upload: upload(solidPNG(t, 3, 3, color.NRGBA{5, 5, 5, 255})), Params: Params{Boost: 15}}

	done := make(chan error, 1)
	go func() {
		_, err := p.Process(context.Background(), req)
		done <- err
	}()
	<-remover.entered
	assert.Equal(t, BackgroundRemoving, p.State())

	_, err := p.Process(context.Background(), req)
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, p.Reset(), ErrBusy)
	_, err = p.Update(context.Background(), Params{Boost: 5})
	assert.ErrorIs(t, err, ErrNotReady)

	close(remover.release)
	require.NoError(t, <-done)
	assert.Equal(t, Ready, p.State())
}

func TestProcess_ContextCanceled(t *testing.T) {
	remover := &blockingRemover{entered: make(chan struct{}, 1), release: make(chan struct{})}
	p := New(Options{Remover: remover})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Process(ctx, Request{Upload: upload(solidPNG(t, 3, 3, color.NRGBA{5, 5, 5, 255}))})
		done <- err
	}()
	<-remover.entered
	cancel()

	err := <-done
	assert.ErrorIs(t, err, ErrBackgroundRemoval)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Idle, p.State())
}

func TestProcess_SkipIfTransparent(t *testing.T) {
	ctrl := gomock.NewController(t)
	remover := mocks.NewMockRemover(ctrl)
	remover.EXPECT().Remove(gomock.Any(), gomock.Any()).Times(0)

	p := New(Options{Remover: remover, SkipIfTransparent: true})
	res, err := p.Process(context.Background(), Request{
		Upload: upload(solidPNG(t, 2, 2, color.NRGBA{100, 100, 100, 128})),
		Params: Params{Boost: 20},
	})
	require.NoError(t, err)
	assertEveryPixel(t, res.Enhanced, color.NRGBA{120, 120, 120, 128})
}

func TestUpdate_ReusesCutout(t *testing.T) {
	ctrl := gomock.NewController(t)
	remover := mocks.NewMockRemover(ctrl)
	remover.EXPECT().Remove(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, b []byte) ([]byte, error) { return b, nil }).
		Times(1)

	p := New(Options{Remover: remover, MaxBoost: 50})
	res, err := p.Process(context.Background(), Request{
		Upload: upload(solidPNG(t, 20, 10, color.NRGBA{100, 100, 100, 255})),
		Params: Params{Boost: 15},
		Mode:   ModePreview,
	})
	require.NoError(t, err)

	first := p.Preview()
	require.NotNil(t, first)
	assert.Equal(t, res.PNG, first.PNG)

	preview, err := p.Update(context.Background(), Params{Boost: 50, Size: enhance.Original})
	require.NoError(t, err)
	assert.Equal(t, 20, preview.Width)
	assertEveryPixel(t, decodePNG(t, preview.PNG), color.NRGBA{150, 150, 150, 255})

	preview, err = p.Update(context.Background(), Params{Boost: 0, Size: 30})
	require.NoError(t, err)
	assert.Equal(t, 30, preview.Width)
	assert.Equal(t, 30, preview.Height)
	assert.Same(t, preview, p.Preview())

	// the published result is untouched by previews
	assert.Same(t, res, p.Result())
	assert.Equal(t, 20, res.Width)
	assert.Equal(t, Params{Boost: 15}, res.Params)
	assert.Equal(t, Ready, p.State())

	_, err = p.Update(context.Background(), Params{Boost: 60})
	assert.ErrorIs(t, err, ErrInvalidBoost)
}

func TestUpdate_NotReady(t *testing.T) {
	_, err := New(Options{}).Update(context.Background(), Params{Boost: 5})
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestDownload(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	p := New(Options{Now: func() time.Time { return at }})

	res, err := p.Process(context.Background(), Request{
		Upload: upload(solidPNG(t, 6, 6, color.NRGBA{50, 50, 50, 255})),
		Params: Params{Boost: 10},
	})
	require.NoError(t, err)

	a, err := p.Download()
	require.NoError(t, err)
	assert.Equal(t, "megaphototool-1700000000123.png", a.Name)
	assert.Equal(t, res.PNG, a.PNG)

	preview, err := p.Update(context.Background(), Params{Boost: 10, Size: 12})
	require.NoError(t, err)
	assert.Equal(t, ModePreview, p.Mode())

	a, err = p.Download()
	require.NoError(t, err)
	assert.Equal(t, preview.PNG, a.PNG)
	assert.Equal(t, 12, a.Width)
}

func TestExpress(t *testing.T) {
	at := time.UnixMilli(42)
	p := New(Options{Now: func() time.Time { return at }})

	a, err := p.Express(context.Background(), upload(solidPNG(t, 8, 4, color.NRGBA{10, 10, 10, 255})), Params{Size: 16})
	require.NoError(t, err)
	assert.Equal(t, "megaphototool-42.png", a.Name)
	assert.Equal(t, 16, a.Width)
	assert.Equal(t, 16, a.Height)
	assert.Equal(t, ModeExpress, p.Mode())
	assert.Nil(t, p.Preview())

	_, err = p.Express(context.Background(), Upload{Name: "a.txt", MediaType: "text/plain"}, Params{})
	assert.ErrorIs(t, err, ErrNotImage)
}

func TestReset(t *testing.T) {
	p := New(Options{})
	rec := &recorder{}
	unsubscribe := p.Subscribe(rec.observe)

	_, err := p.Process(context.Background(), Request{
		Upload: upload(solidPNG(t, 2, 2, color.NRGBA{1, 1, 1, 255})),
		Mode:   ModePreview,
	})
	require.NoError(t, err)

	require.NoError(t, p.Reset())
	assert.Equal(t, Idle, p.State())
	assert.Nil(t, p.Result())
	assert.Nil(t, p.Preview())
	assert.Equal(t, Idle, rec.seen()[len(rec.seen())-1])

	unsubscribe()
	n := len(rec.seen())
	require.NoError(t, p.Reset())
	_, err = p.Process(context.Background(), Request{Upload: upload(solidPNG(t, 2, 2, color.NRGBA{1, 1, 1, 255}))})
	require.NoError(t, err)
	assert.Len(t, rec.seen(), n)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeExpress, m)

	m, err = ParseMode("Preview")
	require.NoError(t, err)
	assert.Equal(t, ModePreview, m)

	_, err = ParseMode("batch")
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestIsImage(t *testing.T) {
	assert.True(t, IsImage("image/png"))
	assert.True(t, IsImage("IMAGE/WEBP"))
	assert.False(t, IsImage("application/pdf"))
	assert.False(t, IsImage(""))
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "background_removing", BackgroundRemoving.String())
	assert.Equal(t, "State(42)", State(42).String())
	assert.Equal(t, "megaphototool-0.png", ArtifactName(time.UnixMilli(0)))
}
