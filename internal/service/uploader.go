package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/tncl-dev/tncl/internal/model"
)

// WriteUploader writes each response as a line.
type WriteUploader struct {
	w io.Writer
}

func NewWriteUploader(w io.Writer) WriteUploader {
	return WriteUploader{w: w}
}

func (u WriteUploader) Upload(_ context.Context, inv model.Invocation) error {
	if u.w == nil {
		u.w = os.Stdout
	}
	_, err := fmt.Fprintf(u.w, "%s\n", inv.Response)
	return err
}

// OSRootUploader stores each response in its own file inside a directory.
type OSRootUploader struct {
	root *os.Root
}

func NewOSRootUploader(path string) (*OSRootUploader, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &OSRootUploader{root: root}, nil
}

func (u *OSRootUploader) Upload(ctx context.Context, inv model.Invocation) error {
	if u.root == nil {
		return errors.New("root already closed")
	}

	path := strings.ReplaceAll(inv.Function, "/", "_") + "-" + inv.Started.Format("2006-01-02-15-04-05") + "-" + inv.ID + ".out"

	f, err := u.root.Create(path)
	if err != nil {
		return fmt.Errorf("creating invocation result: %w", err)
	}
	_, err = f.Write(inv.Response)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving invocation result: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing invocation result: %w", err)
	}
	slog.InfoContext(ctx, "invocation result saved", "path", path)
	return nil
}

func (u *OSRootUploader) Close() error {
	if u.root == nil {
		return errors.New("uploader already closed")
	}
	err := u.root.Close()
	u.root = nil
	return err
}
