package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chaos-io/megaphototool/enhance"
	"github.com/chaos-io/megaphototool/pipeline"
	"github.com/chaos-io/megaphototool/util"
	"github.com/gin-gonic/gin"
)

type resultView struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Width     int                `json:"width"`
	Height    int                `json:"height"`
	Format    string             `json:"format"`
	Boost     float64            `json:"boost"`
	Size      enhance.TargetSize `json:"size"`
	CreatedAt time.Time          `json:"created_at"`
}

type previewView struct {
	Width  int                `json:"width"`
	Height int                `json:"height"`
	Boost  float64            `json:"boost"`
	Size   enhance.TargetSize `json:"size"`
}

type sessionView struct {
	ID      string         `json:"id"`
	State   pipeline.State `json:"state"`
	Mode    pipeline.Mode  `json:"mode"`
	Result  *resultView    `json:"result,omitempty"`
	Preview *previewView   `json:"preview,omitempty"`
}

func viewOf(sess *Session) sessionView {
	p := sess.Pipeline
	v := sessionView{ID: sess.ID, State: p.State(), Mode: p.Mode()}
	if res := p.Result(); res != nil {
		v.Result = &resultView{
			ID:        res.ID,
			Name:      res.Name,
			Width:     res.Width,
			Height:    res.Height,
			Format:    "png",
			Boost:     res.Params.Boost,
			Size:      res.Params.Size,
			CreatedAt: res.CreatedAt,
		}
	}
	if pv := p.Preview(); pv != nil {
		v.Preview = &previewView{Width: pv.Width, Height: pv.Height, Boost: pv.Params.Boost, Size: pv.Params.Size}
	}
	return v
}

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrBusy), errors.Is(err, pipeline.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrInvalidBoost),
		errors.Is(err, pipeline.ErrInvalidMode),
		errors.Is(err, enhance.ErrInvalidTargetSize):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNotImage):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, pipeline.ErrInvalidImage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrBackgroundRemoval):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}

func (s *Server) session(c *gin.Context) (*Session, bool) {
	sess, ok := s.store.Get(c.Param("id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
	}
	return sess, ok
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleSocketIO answers the legacy realtime status probe. Live updates are served from /events.
func (s *Server) handleSocketIO(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Socket.IO endpoint - WebSocket connections are handled differently in production",
		"note":    "For real-time state updates connect to /api/sessions/:id/events",
	})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	sess := s.store.Create()
	c.JSON(http.StatusCreated, gin.H{"id": sess.ID})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewOf(sess))
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if !s.store.Delete(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUpload(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadBytes())
	form, err := c.MultipartForm()
	if err != nil {
		if isTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("upload exceeds %d MB", s.cfg.Server.MaxUploadMB)})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form: " + err.Error()})
		return
	}

	upload, found, err := firstImage(form.File["file"])
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !found {
		s.log.Debug("upload ignored, no image part", "session", sess.ID)
		c.Status(http.StatusNoContent)
		return
	}

	params, err := s.formParams(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	mode, err := pipeline.ParseMode(c.PostForm("mode"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	if mode == pipeline.ModeExpress {
		a, err := sess.Pipeline.Express(c.Request.Context(), upload, params)
		if err != nil {
			abortWithError(c, err)
			return
		}
		writeArtifact(c, a)
		return
	}

	if _, err := sess.Pipeline.Process(c.Request.Context(), pipeline.Request{
		Upload: upload,
		Params: params,
		Mode:   mode,
	}); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(sess))
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

// firstImage returns the first file part that is an image.
func firstImage(files []*multipart.FileHeader) (pipeline.Upload, bool, error) {
	for _, fh := range files {
		data, err := readPart(fh)
		if err != nil {
			return pipeline.Upload{}, false, fmt.Errorf("read upload %s: %w", fh.Filename, err)
		}
		mediaType := declaredType(fh)
		if mediaType == "" || mediaType == "application/octet-stream" {
			mediaType = util.MediaType(data)
		}
		if pipeline.IsImage(mediaType) {
			return pipeline.Upload{Name: fh.Filename, MediaType: mediaType, Data: data}, true, nil
		}
	}
	return pipeline.Upload{}, false, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	return io.ReadAll(f)
}

func declaredType(fh *multipart.FileHeader) string {
	mt, _, err := mime.ParseMediaType(fh.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mt
}

// formParams reads boost and size from the form, falling back to the configured defaults.
func (s *Server) formParams(c *gin.Context) (pipeline.Params, error) {
	params := pipeline.Params{Boost: s.cfg.Process.DefaultBoost, Size: s.cfg.Process.DefaultSize}
	if v := strings.TrimSpace(c.PostForm("boost")); v != "" {
		boost, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return params, fmt.Errorf("%w: %q", pipeline.ErrInvalidBoost, v)
		}
		params.Boost = boost
	}
	if v := strings.TrimSpace(c.PostForm("size")); v != "" {
		size, err := enhance.ParseTargetSize(v)
		if err != nil {
			return params, err
		}
		params.Size = size
	}
	return params, nil
}

type paramsRequest struct {
	Boost *float64            `json:"boost"`
	Size  *enhance.TargetSize `json:"size"`
}

func (s *Server) handleParams(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}

	var req paramsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res := sess.Pipeline.Result()
	if res == nil {
		abortWithError(c, pipeline.ErrNotReady)
		return
	}
	params := res.Params
	if pv := sess.Pipeline.Preview(); pv != nil {
		params = pv.Params
	}
	if req.Boost != nil {
		params.Boost = *req.Boost
	}
	if req.Size != nil {
		params.Size = *req.Size
	}

	if _, err := sess.Pipeline.Update(c.Request.Context(), params); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(sess))
}

func (s *Server) handleOriginal(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	res := sess.Pipeline.Result()
	if res == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no processed image"})
		return
	}
	c.Data(http.StatusOK, res.OriginalType, res.Original)
}

func (s *Server) handlePreview(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	pv := sess.Pipeline.Preview()
	if pv == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no preview"})
		return
	}
	c.Data(http.StatusOK, "image/png", pv.PNG)
}

func (s *Server) handleDownload(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	s.sendArtifact(c, sess)
}

func (s *Server) sendArtifact(c *gin.Context, sess *Session) {
	a, err := sess.Pipeline.Download()
	if err != nil {
		abortWithError(c, err)
		return
	}
	writeArtifact(c, a)
}

func writeArtifact(c *gin.Context, a *pipeline.Artifact) {
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Name))
	c.Data(http.StatusOK, "image/png", a.PNG)
}

func (s *Server) handleReset(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	if err := sess.Pipeline.Reset(); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(sess))
}

// handleEvents streams state transitions of the session over a websocket.
func (s *Server) handleEvents(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "session", sess.ID, "err", err)
		return
	}
	defer func() {
		sess.hub.remove(conn)
		_ = conn.Close()
	}()

	sess.hub.join(conn, stateEvent{State: sess.Pipeline.State(), At: time.Now()})

	// clients only listen; reading detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		sess.touch(time.Now())
	}
}
