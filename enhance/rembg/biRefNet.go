package rembg

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chaos-io/megaphototool/util"
	nhttp "github.com/chaos-io/megaphototool/util/http"
	"github.com/segmentio/ksuid"
)

const (
	uploadPath  = "api/upload/image"
	promptPath  = "api/prompt"
	historyPath = "api/history/"
	viewPath    = "api/view"

	loadImageClass      = "LoadImage"
	defaultPollInterval = 500 * time.Millisecond
)

var (
	ErrNoOutput     = errors.New("no output image")
	ErrPromptFailed = errors.New("prompt failed")
)

//go:embed workflow.json
var workflowData []byte

// BiRefNetRemBG runs a BiRefNet background removal workflow on a ComfyUI server.
type BiRefNetRemBG struct {
	baseURL      string
	workflow     map[string]any
	pollInterval time.Duration
	clientID     string
	cli          nhttp.IClient
}

type BiRefNetOption func(*BiRefNetRemBG) error

// WithWorkflow replaces the embedded API-format workflow. Empty data keeps the default.
func WithWorkflow(data []byte) BiRefNetOption {
	return func(b *BiRefNetRemBG) error {
		if len(data) == 0 {
			return nil
		}
		wk, err := parseWorkflow(data)
		if err != nil {
			return err
		}
		b.workflow = wk
		return nil
	}
}

func WithPollInterval(d time.Duration) BiRefNetOption {
	return func(b *BiRefNetRemBG) error {
		if d > 0 {
			b.pollInterval = d
		}
		return nil
	}
}

func NewBiRefNetRemBG(baseURL string, cli nhttp.IClient, opts ...BiRefNetOption) (*BiRefNetRemBG, error) {
	wk, err := parseWorkflow(workflowData)
	if err != nil {
		return nil, err
	}
	b := &BiRefNetRemBG{
		baseURL:      strings.TrimRight(baseURL, "/") + "/",
		workflow:     wk,
		pollInterval: defaultPollInterval,
		clientID:     ksuid.New().String(),
		cli:          cli,
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func parseWorkflow(data []byte) (map[string]any, error) {
	wk := map[string]any{}
	if err := json.Unmarshal(data, &wk); err != nil {
		return nil, fmt.Errorf("unmarshal workflow data: %w", err)
	}
	for _, node := range wk {
		if n, ok := node.(map[string]any); ok && n["class_type"] == loadImageClass {
			return wk, nil
		}
	}
	return nil, fmt.Errorf("workflow has no %s node", loadImageClass)
}

func (b *BiRefNetRemBG) Remove(ctx context.Context, image []byte) ([]byte, error) {
	uploaded, err := b.uploadImage(ctx, image)
	if err != nil {
		return nil, err
	}

	promptID, err := b.prompt(ctx, uploaded.Name)
	if err != nil {
		return nil, err
	}

	out, err := b.waitOutput(ctx, promptID)
	if err != nil {
		return nil, err
	}

	return b.view(ctx, out)
}

type uploadImageResp struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

/*
	curl -X POST "$BASE_URL/api/upload/image" \
	  -F "image=@my_image.png" \
	  -F "type=input" \
	  -F "overwrite=true"

{"name": "my_image1.png", "subfolder": "", "type": "input"}%
*/
func (b *BiRefNetRemBG) uploadImage(ctx context.Context, image []byte) (*uploadImageResp, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	name := "megaphototool-" + ksuid.New().String() + extFor(util.MediaType(image))
	part, err := writer.CreateFormFile("image", name)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}

	_ = writer.WriteField("type", "input")
	_ = writer.WriteField("overwrite", "true")
	_ = writer.Close()

	resp := &uploadImageResp{}
	reqParam := &nhttp.RequestParam{
		RequestURI: b.baseURL + uploadPath,
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:       body,
		Response:   resp,
	}
	if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("upload image: %w", err)
	}
	if resp.Name == "" {
		return nil, fmt.Errorf("upload image: empty name in response")
	}

	slog.Debug("get the response", "response", resp)
	return resp, nil
}

type promptResp struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

/*
	curl -X POST "$BASE_URL/api/prompt" \
	  -H "Content-Type: application/json" \
	  -d '{"prompt": '"$(cat workflow.json)"'}'
*/
func (b *BiRefNetRemBG) prompt(ctx context.Context, imageName string) (string, error) {
	resp := &promptResp{}
	reqParam := &nhttp.RequestParam{
		RequestURI: b.baseURL + promptPath,
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": "application/json"},
		Body: map[string]any{
			"prompt":    b.workflowFor(imageName),
			"client_id": b.clientID,
		},
		Response: resp,
	}
	if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return "", fmt.Errorf("queue prompt: %w", err)
	}
	if len(resp.NodeErrors) > 0 {
		return "", fmt.Errorf("%w: node errors %v", ErrPromptFailed, resp.NodeErrors)
	}
	if resp.PromptID == "" {
		return "", fmt.Errorf("%w: empty prompt id", ErrPromptFailed)
	}

	slog.Debug("queued prompt", "prompt_id", resp.PromptID, "number", resp.Number)
	return resp.PromptID, nil
}

// workflowFor copies the workflow with every LoadImage node pointed at imageName.
func (b *BiRefNetRemBG) workflowFor(imageName string) map[string]any {
	wk := make(map[string]any, len(b.workflow))
	for id, node := range b.workflow {
		n, ok := node.(map[string]any)
		if !ok || n["class_type"] != loadImageClass {
			wk[id] = node
			continue
		}
		inputs := map[string]any{}
		if old, ok := n["inputs"].(map[string]any); ok {
			for k, v := range old {
				inputs[k] = v
			}
		}
		inputs["image"] = imageName

		cp := make(map[string]any, len(n))
		for k, v := range n {
			cp[k] = v
		}
		cp["inputs"] = inputs
		wk[id] = cp
	}
	return wk
}

type outputImage struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyEntry struct {
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []outputImage `json:"images"`
	} `json:"outputs"`
}

// waitOutput polls the history until the prompt finished, then returns its first image.
func (b *BiRefNetRemBG) waitOutput(ctx context.Context, promptID string) (*outputImage, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		history := map[string]historyEntry{}
		reqParam := &nhttp.RequestParam{
			RequestURI: b.baseURL + historyPath + url.PathEscape(promptID),
			Method:     http.MethodGet,
			Response:   &history,
		}
		if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
			return nil, fmt.Errorf("get history: %w", err)
		}

		if entry, ok := history[promptID]; ok {
			if entry.Status.StatusStr == "error" {
				return nil, fmt.Errorf("%w: prompt %s", ErrPromptFailed, promptID)
			}
			for _, out := range entry.Outputs {
				if len(out.Images) > 0 {
					img := out.Images[0]
					return &img, nil
				}
			}
			if entry.Status.Completed {
				return nil, ErrNoOutput
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *BiRefNetRemBG) view(ctx context.Context, img *outputImage) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", img.Filename)
	q.Set("subfolder", img.Subfolder)
	q.Set("type", img.Type)

	var data []byte
	reqParam := &nhttp.RequestParam{
		RequestURI: b.baseURL + viewPath + "?" + q.Encode(),
		Method:     http.MethodGet,
		Response:   &data,
	}
	if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("view image: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNoOutput
	}
	return data, nil
}
