package main

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/langchou/parkgate/internal/api/lpr"
)

func recognizeCommand(a *app) *cobra.Command {
	var src recognizeFlags

	cmd := &cobra.Command{
		Use:   "recognize",
		Short: "Recognize a license plate without recording anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var (
				res *lpr.Result
				err error
			)
			switch {
			case src.image != "":
				img, lerr := loadImage(src.image)
				if lerr != nil {
					return lerr
				}
				res, err = a.api.Recognize(ctx, img)
			case src.piCamera:
				res, err = a.api.RecognizePiCamera(ctx)
			case src.camera >= 0:
				res, err = a.api.RecognizeCamera(ctx, src.camera)
			default:
				return errors.New("set one of --image, --camera or --pi-camera")
			}
			if err != nil {
				return err
			}
			return a.printJSON(res)
		},
	}
	src.bind(cmd)

	return cmd
}

func cameraCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "camera",
		Short: "Camera diagnostics",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "test",
		Short: "Check whether the recognition service can reach a camera",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := a.api.TestCamera(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.printJSON(status); err != nil {
				return err
			}
			if !status.Available {
				return errors.New("camera is not available")
			}
			return nil
		},
	})

	return cmd
}

func healthCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the recognition service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.api.LPServiceHealth(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.printJSON(h); err != nil {
				return err
			}
			if !h.Healthy {
				return fmt.Errorf("recognition service at %s is not healthy", h.ServiceURL)
			}
			return nil
		},
	}
}

// loadImage 读取图片文件，MIME 类型按扩展名判断
func loadImage(path string) (lpr.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return lpr.Image{}, fmt.Errorf("read image: %w", err)
	}
	if len(data) == 0 {
		return lpr.Image{}, fmt.Errorf("image %s is empty", path)
	}

	ext := strings.ToLower(filepath.Ext(path))
	mimeType := mime.TypeByExtension(ext)
	switch ext {
	case ".jpg", ".jpeg":
		mimeType = "image/jpeg"
	case ".bmp":
		mimeType = "image/bmp"
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}

	return lpr.Image{Data: data, Filename: filepath.Base(path), MimeType: mimeType}, nil
}
