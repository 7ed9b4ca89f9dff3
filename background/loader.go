package background

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"
)

// Loader produces a background buffer: an RGB CV8UC3 Mat of exactly
// width x height, box-blurred when blur > 0
type Loader interface {
	Load(path string, width, height, blur int) (gocv.Mat, error)
}

// ImageLoader decodes any raster format the imaging package understands,
// honouring EXIF orientation
type ImageLoader struct{}

// Load implements Loader
func (ImageLoader) Load(path string, width, height, blur int) (gocv.Mat, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("could not decode background %s: %w", path, err)
	}

	resized := imaging.Resize(img, width, height, imaging.Linear)

	mat, err := MatFromImage(resized)
	if err != nil {
		return gocv.NewMat(), err
	}

	if blur > 0 {
		blurred := gocv.NewMat()
		gocv.Blur(mat, &blurred, image.Pt(blur, blur))
		mat.Close()
		return blurred, nil
	}
	return mat, nil
}

// MatFromImage copies an NRGBA image into a new RGB CV8UC3 Mat, dropping alpha
func MatFromImage(img *image.NRGBA) (gocv.Mat, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	rgb := make([]byte, 0, w*h*3)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			rgb = append(rgb, row[x*4], row[x*4+1], row[x*4+2])
		}
	}

	shared, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC3, rgb)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("could not build background mat: %w", err)
	}
	defer shared.Close()

	// NewMatFromBytes may alias the Go slice; hand out an owned copy
	return shared.Clone(), nil
}
