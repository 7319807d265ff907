// Package download materializes remote resources into the data directory.
package download

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/bryan-buckman/lipu/internal/model"
)

// Getter fetches the bytes behind a URL.
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Filename derives the on-disk name of a downloaded URL by keeping only its ASCII
// letters and digits. Distinct URLs can map to the same name.
func Filename(url string) string {
	var b strings.Builder
	b.Grow(len(url))
	for i := 0; i < len(url); i++ {
		c := url[i]
		if ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Download fetches a Link resource into dir and replaces *r with the resulting
// File. Files and Missing resources are left alone. *r only changes after the
// bytes are written.
func Download(ctx context.Context, g Getter, r *model.Resource, dir string) error {
	if r == nil || !r.IsLink() {
		return nil
	}

	data, err := g.Get(ctx, r.URL)
	if err != nil {
		return err
	}

	name := Filename(r.URL)
	if err := write(dir, name, data); err != nil {
		return err
	}

	*r = model.File(r.MimeType, name)
	return nil
}

func write(dir, name string, data []byte) error {
	op := "download " + name
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.NewError(model.CreateFileFailed, op, err)
	}

	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return model.NewError(model.CreateFileFailed, op, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return model.NewError(model.WriteFileFailed, op, err)
	}
	if err := f.Close(); err != nil {
		return model.NewError(model.WriteFileFailed, op, err)
	}
	return nil
}
