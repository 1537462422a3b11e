package assembler

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"
)

// ErrInvalidIcon is returned when the icon source is not a decodable PNG.
var ErrInvalidIcon = errors.New("invalid icon")

// icon is a decoded source icon together with its original bytes.
type icon struct {
	raw    []byte
	bounds image.Rectangle
	img    image.Image
}

func decodeIcon(raw []byte) (*icon, error) {
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidIcon, err)
	}

	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidIcon)
	}

	return &icon{raw: raw, bounds: img.Bounds(), img: img}, nil
}

// sized returns PNG bytes of the icon fitted into a size x size square.
// An icon that already has the requested size is returned byte for byte.
func (i *icon) sized(size int) ([]byte, error) {
	if i.bounds.Dx() == size && i.bounds.Dy() == size {
		return i.raw, nil
	}

	width, height := size, size
	if i.bounds.Dx() > i.bounds.Dy() {
		height = max(1, size*i.bounds.Dy()/i.bounds.Dx())
	} else if i.bounds.Dy() > i.bounds.Dx() {
		width = max(1, size*i.bounds.Dx()/i.bounds.Dy())
	}

	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	offset := image.Pt((size-width)/2, (size-height)/2)
	target := image.Rectangle{Min: offset, Max: offset.Add(image.Pt(width, height))}

	draw.CatmullRom.Scale(dst, target, i.img, i.bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode icon: %w", err)
	}

	return buf.Bytes(), nil
}
