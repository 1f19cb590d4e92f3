package processors

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"slideSummarize/core"
)

// ExtraPad is the default padding in pixels added around a detected quad
// before cropping.
const ExtraPad = 30

// SlideRegion is the cropped (or full) frame a request operates on. The
// caller owns Mat and must Close it.
type SlideRegion struct {
	Mat      gocv.Mat
	Detected bool
	Quad     *core.Quad
}

func (r *SlideRegion) Close() {
	r.Mat.Close()
}

// DecodeImage decodes raw image bytes into a BGR matrix.
func DecodeImage(data []byte) (gocv.Mat, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.Mat{}, core.InvalidImagef("%v", err)
	}
	if mat.Empty() {
		mat.Close()
		return gocv.Mat{}, core.InvalidImagef("undecodable image data")
	}
	return mat, nil
}

// EncodeJPEG encodes a matrix as JPEG with the given quality.
func EncodeJPEG(img gocv.Mat, quality int) ([]byte, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, core.InvalidImagef("encode jpeg: %v", err)
	}
	defer buf.Close()
	data := make([]byte, len(buf.GetBytes()))
	copy(data, buf.GetBytes())
	return data, nil
}

// CropWithPadding crops the axis-aligned bounding rectangle of quad expanded
// by pad pixels on every side, clamped to the frame bounds. The returned
// matrix owns its pixels.
func CropWithPadding(frame gocv.Mat, quad core.Quad, pad int) gocv.Mat {
	rect := quadBoundingRect(quad)
	x1 := max(rect.Min.X-pad, 0)
	y1 := max(rect.Min.Y-pad, 0)
	x2 := min(rect.Max.X+pad, frame.Cols())
	y2 := min(rect.Max.Y+pad, frame.Rows())
	region := frame.Region(image.Rect(x1, y1, x2, y2))
	defer region.Close()
	return region.Clone()
}

// DetectAndCrop runs the geometric detector and returns either the padded
// crop or, when no quad is found, a copy of the full frame.
func DetectAndCrop(frame gocv.Mat, prev *core.Quad) SlideRegion {
	quad := FindQuad(frame, prev)
	if quad == nil {
		return SlideRegion{Mat: frame.Clone(), Detected: false}
	}
	return SlideRegion{
		Mat:      CropWithPadding(frame, *quad, ExtraPad),
		Detected: true,
		Quad:     quad,
	}
}

// AnnotateQuad returns a copy of the frame with the quad outline and corner
// markers drawn on it. A nil quad yields a plain copy.
func AnnotateQuad(frame gocv.Mat, quad *core.Quad) gocv.Mat {
	annotated := frame.Clone()
	if quad == nil {
		return annotated
	}
	pts := make([]image.Point, 0, 4)
	for _, p := range quad {
		pts = append(pts, image.Pt(p.X, p.Y))
	}
	outline := gocv.NewPointsVectorFromPoints([][]image.Point{pts})
	defer outline.Close()
	green := color.RGBA{G: 255, A: 255}
	red := color.RGBA{R: 255, A: 255}
	gocv.Polylines(&annotated, outline, true, green, 3)
	for _, p := range pts {
		gocv.Circle(&annotated, p, 8, red, -1)
	}
	return annotated
}

func quadBoundingRect(quad core.Quad) image.Rectangle {
	minX, minY := quad[0].X, quad[0].Y
	maxX, maxY := quad[0].X, quad[0].Y
	for _, p := range quad[1:] {
		minX = min(minX, p.X)
		minY = min(minY, p.Y)
		maxX = max(maxX, p.X)
		maxY = max(maxY, p.Y)
	}
	return image.Rect(minX, minY, maxX, maxY)
}
