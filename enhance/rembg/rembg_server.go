package rembg

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/chaos-io/megaphototool/util"
	nhttp "github.com/chaos-io/megaphototool/util/http"
	"github.com/segmentio/ksuid"
)

const removePath = "api/remove"

// RembgRemover calls a rembg HTTP server (`rembg s`).
type RembgRemover struct {
	baseURL string
	model   string
	cli     nhttp.IClient
}

func NewRembgRemover(baseURL, model string, cli nhttp.IClient) *RembgRemover {
	return &RembgRemover{
		baseURL: strings.TrimRight(baseURL, "/") + "/",
		model:   model,
		cli:     cli,
	}
}

/*
	curl -X POST "$BASE_URL/api/remove" \
	  -F "file=@my_image.jpg" \
	  -F "model=isnet-general-use" -o out.png
*/
func (r *RembgRemover) Remove(ctx context.Context, image []byte) ([]byte, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	name := ksuid.New().String() + extFor(util.MediaType(image))
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	if r.model != "" {
		_ = writer.WriteField("model", r.model)
	}
	_ = writer.Close()

	var out []byte
	reqParam := &nhttp.RequestParam{
		RequestURI: r.baseURL + removePath,
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:       body,
		Response:   &out,
	}
	if err := r.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNoOutput
	}

	slog.Debug("rembg removed background", "name", name, "in", len(image), "out", len(out))
	return out, nil
}
