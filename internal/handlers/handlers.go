package handlers

import (
	"bytes"
	"context"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nabilat/liveness-check/internal/auth"
	"github.com/nabilat/liveness-check/internal/frames"
	"github.com/nabilat/liveness-check/internal/usecase"
)

// MaxUploadSize caps reference images and camera frames.
const MaxUploadSize = 5 << 20

var allowedImageTypes = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
}

var (
	errUploadTooLarge   = errors.New("upload exceeds size limit")
	errUnsupportedImage = errors.New("unsupported image type")
)

// LivenessService is the subset of the use case the HTTP layer depends on.
type LivenessService interface {
	StartSession(ctx context.Context, userID string, req usecase.StartRequest) (*usecase.SessionView, error)
	PushFrame(userID, handleID string, frame *frames.Frame) error
	GetSession(ctx context.Context, userID, handleID string) (*usecase.SessionView, error)
	StopSession(ctx context.Context, userID, handleID string) (*usecase.SessionView, error)
	RetrySession(ctx context.Context, userID, handleID string) (*usecase.SessionView, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc LivenessService, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/")
	api.Use(authMiddleware)

	api.POST("/sessions", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+1<<20)
		if err := c.Request.ParseMultipartForm(MaxUploadSize); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": errUploadTooLarge.Error()})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
			return
		}

		// The engine owns token validation, including rejecting an empty one.
		token := c.PostForm("token")

		withVerification := false
		if raw := c.PostForm("with_verification"); raw != "" {
			parsed, err := strconv.ParseBool(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "with_verification must be a boolean"})
				return
			}
			withVerification = parsed
		}

		var reference []byte
		if file, err := c.FormFile("reference_image"); err == nil {
			reference, err = readUpload(file)
			if err != nil {
				writeUploadError(c, err)
				return
			}
		} else if !errors.Is(err, http.ErrMissingFile) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read reference_image"})
			return
		}

		view, err := svc.StartSession(c.Request.Context(), userID, usecase.StartRequest{
			Token:            token,
			WithVerification: withVerification,
			ReferenceImage:   reference,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, view)
	})

	api.POST("/sessions/:id/frames", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		data, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxUploadSize+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read frame"})
			return
		}
		if len(data) > MaxUploadSize {
			writeUploadError(c, errUploadTooLarge)
			return
		}
		frame, err := decodeFrame(data)
		if err != nil {
			writeUploadError(c, err)
			return
		}

		if err := svc.PushFrame(userID, c.Param("id"), frame); err != nil {
			writeSessionError(c, err)
			return
		}
		c.Status(http.StatusAccepted)
	})

	api.GET("/sessions/:id", func(c *gin.Context) {
		sessionHandler(c, svc.GetSession)
	})
	api.DELETE("/sessions/:id", func(c *gin.Context) {
		sessionHandler(c, svc.StopSession)
	})
	api.POST("/sessions/:id/retry", func(c *gin.Context) {
		sessionHandler(c, svc.RetrySession)
	})

	api.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func sessionHandler(c *gin.Context, op func(ctx context.Context, userID, handleID string) (*usecase.SessionView, error)) {
	userID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	view, err := op(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func writeSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, usecase.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, usecase.ErrSessionActive), errors.Is(err, usecase.ErrSessionFinished):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func writeUploadError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errUploadTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, errUnsupportedImage):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

func readUpload(file *multipart.FileHeader) ([]byte, error) {
	if file.Size > MaxUploadSize {
		return nil, errUploadTooLarge
	}
	if _, ok := allowedImageTypes[file.Header.Get("Content-Type")]; !ok {
		return nil, errUnsupportedImage
	}

	src, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxUploadSize {
		return nil, errUploadTooLarge
	}
	if _, ok := allowedImageTypes[http.DetectContentType(data)]; !ok {
		return nil, errUnsupportedImage
	}
	return data, nil
}

// decodeFrame sniffs and sizes a raw camera frame without decoding pixels.
func decodeFrame(data []byte) (*frames.Frame, error) {
	if _, ok := allowedImageTypes[http.DetectContentType(data)]; !ok {
		return nil, errUnsupportedImage
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errUnsupportedImage
	}
	return &frames.Frame{Data: data, Width: cfg.Width, Height: cfg.Height}, nil
}
