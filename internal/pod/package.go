package pod

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
)

// MaxPhotoBytes bounds an attached photo.
const MaxPhotoBytes = 10 << 20

var (
	ErrEmptyPhoto    = errors.New("photo has no data")
	ErrPhotoTooLarge = errors.New("photo exceeds size limit")
	ErrNotImage      = errors.New("photo is not an image")
)

// Photo is a user-selected image kept in memory until submission.
type Photo struct {
	Filename    string
	ContentType string
	Data        []byte
}

// NewPhoto validates data and sniffs its content type when none is given.
func NewPhoto(filename, contentType string, data []byte) (*Photo, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPhoto
	}
	if len(data) > MaxPhotoBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPhotoTooLarge, len(data))
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("%w: %s", ErrNotImage, contentType)
	}
	if filename == "" {
		filename = "photo"
	}
	return &Photo{Filename: filepath.Base(filename), ContentType: contentType, Data: data}, nil
}

// DataURL is the local preview of the photo.
func (p *Photo) DataURL() string {
	return "data:" + p.ContentType + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
}

// Package is the single POD submission. Either artifact may be absent.
type Package struct {
	Signature string // PNG data URL
	Photo     *Photo
}

// NewPackage takes the signature from pad when it has content.
func NewPackage(pad *SignaturePad, photo *Photo) (*Package, error) {
	pkg := &Package{Photo: photo}
	if pad != nil && pad.HasContent() {
		sig, err := pad.DataURL()
		if err != nil {
			return nil, err
		}
		pkg.Signature = sig
	}
	return pkg, nil
}

func (p *Package) Empty() bool { return p.Signature == "" && p.Photo == nil }

// Artifacts names the parts present, for logging.
func (p *Package) Artifacts() []string {
	var out []string
	if p.Signature != "" {
		out = append(out, "signature")
	}
	if p.Photo != nil {
		out = append(out, "photo")
	}
	return out
}

// Encode writes the package as multipart/form-data and returns the body
// and its content type.
func (p *Package) Encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if p.Signature != "" {
		if err := w.WriteField("signature", p.Signature); err != nil {
			return nil, "", fmt.Errorf("write signature: %w", err)
		}
	}
	if p.Photo != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="photo"; filename=%q`, p.Photo.Filename))
		h.Set("Content-Type", p.Photo.ContentType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("create photo part: %w", err)
		}
		if _, err := part.Write(p.Photo.Data); err != nil {
			return nil, "", fmt.Errorf("write photo: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
