package pod

import (
	"bytes"
	"encoding/base64"
	"image/color"
	"image/png"
	"io"
	"mime"
	"mime/multipart"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPad(t *testing.T, width, height int) *SignaturePad {
	t.Helper()
	pad, err := NewSignaturePad(width, height)
	require.NoError(t, err)
	return pad
}

func drawn(t *testing.T) *SignaturePad {
	t.Helper()
	pad := newPad(t, 100, 40)
	require.NoError(t, pad.Begin(10, 20))
	require.NoError(t, pad.MoveTo(50, 20))
	require.NoError(t, pad.MoveTo(90, 30))
	require.NoError(t, pad.End())
	return pad
}

func TestPadStates(t *testing.T) {
	pad := newPad(t, 100, 40)
	assert.Equal(t, PadEmpty, pad.State())
	assert.ErrorIs(t, pad.MoveTo(1, 1), ErrNoStroke)
	assert.ErrorIs(t, pad.End(), ErrNoStroke)

	require.NoError(t, pad.Begin(5, 5))
	assert.Equal(t, PadDrawing, pad.State())
	assert.ErrorIs(t, pad.Begin(6, 6), ErrStrokeOpen)
	require.NoError(t, pad.MoveTo(500, 500))
	require.NoError(t, pad.End())
	assert.Equal(t, PadHasContent, pad.State())
	assert.Equal(t, Point{X: 99, Y: 39}, pad.Strokes()[0][1])

	pad.Clear()
	assert.Equal(t, PadEmpty, pad.State())
	assert.Empty(t, pad.Strokes())
	_, err := pad.PNG()
	assert.ErrorIs(t, err, ErrEmptyPad)
}

func TestBeginOutsidePad(t *testing.T) {
	pad := newPad(t, 10, 10)
	assert.ErrorIs(t, pad.Begin(-1, 3), ErrOutOfBounds)
	assert.Equal(t, PadEmpty, pad.State())
}

func TestRenderDrawsBlackOnWhite(t *testing.T) {
	img := drawn(t).Render()
	ink := img.RGBAAt(30, 20)
	assert.Less(t, ink.R, uint8(64))
	assert.Equal(t, uint8(255), ink.A)
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, img.RGBAAt(30, 5))
}

func TestRenderSingleTapDrawsDot(t *testing.T) {
	pad := newPad(t, 20, 20)
	require.NoError(t, pad.Begin(10, 10))
	require.NoError(t, pad.End())
	img := pad.Render()
	assert.Less(t, img.RGBAAt(9, 9).R, uint8(255))
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, img.RGBAAt(2, 2))
}

func TestNewSignaturePadLimits(t *testing.T) {
	pad := newPad(t, 0, -3)
	assert.Equal(t, DefaultWidth, pad.Bounds().Dx())
	assert.Equal(t, DefaultHeight, pad.Bounds().Dy())

	newPad(t, MaxWidth, MaxHeight)

	_, err := NewSignaturePad(MaxWidth+1, 40)
	assert.ErrorIs(t, err, ErrPadTooLarge)
	_, err = NewSignaturePad(100, MaxHeight+1)
	assert.ErrorIs(t, err, ErrPadTooLarge)
	_, err = NewSignaturePad(60000, 60000)
	assert.ErrorIs(t, err, ErrPadTooLarge)
}

func TestDataURLDecodesToPNG(t *testing.T) {
	url, err := drawn(t).DataURL()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "data:image/png;base64,"))

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, "data:image/png;base64,"))
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 40, img.Bounds().Dy())
}

func TestReplayMatchesLiveDrawing(t *testing.T) {
	live := drawn(t)
	replayed := newPad(t, 100, 40)
	require.NoError(t, replayed.Replay(live.Strokes()))
	assert.Equal(t, live.Render().Pix, replayed.Render().Pix)
	assert.True(t, replayed.HasContent())
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	b, err := drawn(t).PNG()
	require.NoError(t, err)
	return b
}

func TestNewPhoto(t *testing.T) {
	p, err := NewPhoto("/tmp/door.png", "", pngBytes(t))
	require.NoError(t, err)
	assert.Equal(t, "image/png", p.ContentType)
	assert.Equal(t, "door.png", p.Filename)
	assert.True(t, strings.HasPrefix(p.DataURL(), "data:image/png;base64,"))

	_, err = NewPhoto("x", "", nil)
	assert.ErrorIs(t, err, ErrEmptyPhoto)
	_, err = NewPhoto("notes.txt", "", []byte("hello"))
	assert.ErrorIs(t, err, ErrNotImage)
	_, err = NewPhoto("big.png", "image/png", make([]byte, MaxPhotoBytes+1))
	assert.ErrorIs(t, err, ErrPhotoTooLarge)
}

func readParts(t *testing.T, body []byte, contentType string) map[string][]byte {
	t.Helper()
	_, params, err := mime.ParseMediaType(contentType)
	require.NoError(t, err)
	r := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	out := map[string][]byte{}
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		b, err := io.ReadAll(part)
		require.NoError(t, err)
		out[part.FormName()] = b
	}
}

func TestPackageEncodesPresentArtifacts(t *testing.T) {
	photo, err := NewPhoto("door.png", "image/png", pngBytes(t))
	require.NoError(t, err)
	pkg, err := NewPackage(drawn(t), photo)
	require.NoError(t, err)
	assert.Equal(t, []string{"signature", "photo"}, pkg.Artifacts())

	body, ct, err := pkg.Encode()
	require.NoError(t, err)
	parts := readParts(t, body, ct)
	assert.True(t, strings.HasPrefix(string(parts["signature"]), "data:image/png;base64,"))
	assert.Equal(t, photo.Data, parts["photo"])
}

func TestPackageSignatureOnlyAndEmpty(t *testing.T) {
	pkg, err := NewPackage(drawn(t), nil)
	require.NoError(t, err)
	body, ct, err := pkg.Encode()
	require.NoError(t, err)
	parts := readParts(t, body, ct)
	assert.Len(t, parts, 1)
	assert.Contains(t, parts, "signature")

	empty, err := NewPackage(newPad(t, 0, 0), nil)
	require.NoError(t, err)
	assert.True(t, empty.Empty())
	body, ct, err = empty.Encode()
	require.NoError(t, err)
	assert.Empty(t, readParts(t, body, ct))
}
