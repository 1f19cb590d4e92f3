package processors

import (
	"image"
	"math"

	"gocv.io/x/gocv"

	"slideSummarize/core"
)

// Detection tuning. Contours smaller than 1% of the frame are noise, and
// anything approximating to more or fewer than 4 vertices is not a slide.
const (
	minAreaFraction  = 0.01
	approxEpsilon    = 0.02 // fraction of contour perimeter
	minAspectRatio   = 0.3
	maxAspectRatio   = 3.0
	maxCentroidDrift = 0.25 // fraction of frame width
)

type quadCandidate struct {
	points []image.Point
	area   float64
}

// FindQuad locates the best-fit 4-sided slide region in frame. When prev is
// supplied the candidate whose centroid is closest to the previous quad's
// centroid wins, as long as it drifted less than a quarter of the frame
// width; otherwise the largest candidate wins. Returns nil when no valid
// quadrilateral is present.
func FindQuad(frame gocv.Mat, prev *core.Quad) *core.Quad {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Pt(5, 5), 0, 0, gocv.BorderDefault)

	adaptive := gocv.NewMat()
	defer adaptive.Close()
	gocv.AdaptiveThreshold(blurred, &adaptive, 255, gocv.AdaptiveThresholdGaussian, gocv.ThresholdBinaryInv, 11, 2)

	// Canny thresholds follow the median intensity of the blurred frame.
	median := matMedian(blurred)
	lower := math.Max(0, 0.7*median)
	upper := math.Min(255, 1.3*median)
	canny := gocv.NewMat()
	defer canny.Close()
	gocv.Canny(blurred, &canny, float32(lower), float32(upper))

	edged := gocv.NewMat()
	defer edged.Close()
	gocv.BitwiseOr(canny, adaptive, &edged)

	contours := gocv.FindContours(edged, gocv.RetrievalList, gocv.ChainApproxSimple)
	defer contours.Close()

	frameArea := float64(frame.Rows() * frame.Cols())
	minArea := frameArea * minAreaFraction

	var candidates []quadCandidate
	for i := 0; i < contours.Size(); i++ {
		contour := contours.At(i)
		area := gocv.ContourArea(contour)
		if area < minArea {
			continue
		}
		perimeter := gocv.ArcLength(contour, true)
		approx := gocv.ApproxPolyDP(contour, approxEpsilon*perimeter, true)
		if approx.Size() != 4 {
			approx.Close()
			continue
		}
		rect := gocv.BoundingRect(approx)
		points := approx.ToPoints()
		approx.Close()
		if rect.Dy() <= 0 {
			continue
		}
		aspect := float64(rect.Dx()) / float64(rect.Dy())
		if aspect <= minAspectRatio || aspect >= maxAspectRatio {
			continue
		}
		candidates = append(candidates, quadCandidate{points: points, area: area})
	}
	if len(candidates) == 0 {
		return nil
	}

	var best *quadCandidate
	if prev != nil {
		if px, py, ok := prev.Centroid(); ok {
			minDist := math.Inf(1)
			for i := range candidates {
				cx, cy, ok := polygonCentroid(candidates[i].points)
				if !ok {
					continue
				}
				dist := math.Hypot(cx-px, cy-py)
				if dist < minDist {
					minDist = dist
					best = &candidates[i]
				}
			}
			// A nearest candidate that jumped too far is a different
			// rectangle entering the frame, not the tracked slide.
			if minDist > float64(frame.Cols())*maxCentroidDrift {
				best = nil
			}
		}
	}
	if best == nil {
		maxArea := -1.0
		for i := range candidates {
			if candidates[i].area > maxArea {
				maxArea = candidates[i].area
				best = &candidates[i]
			}
		}
	}

	quad := orderQuad(best.points)
	return &quad
}

// orderQuad sorts four corners into top-left, top-right, bottom-right,
// bottom-left order. Top-left minimizes x+y, bottom-right maximizes x+y,
// top-right maximizes x-y, bottom-left minimizes x-y.
func orderQuad(pts []image.Point) core.Quad {
	var quad core.Quad
	tl, br, tr, bl := pts[0], pts[0], pts[0], pts[0]
	for _, p := range pts[1:] {
		if p.X+p.Y < tl.X+tl.Y {
			tl = p
		}
		if p.X+p.Y > br.X+br.Y {
			br = p
		}
		if p.X-p.Y > tr.X-tr.Y {
			tr = p
		}
		if p.X-p.Y < bl.X-bl.Y {
			bl = p
		}
	}
	quad[0] = core.Point{X: tl.X, Y: tl.Y}
	quad[1] = core.Point{X: tr.X, Y: tr.Y}
	quad[2] = core.Point{X: br.X, Y: br.Y}
	quad[3] = core.Point{X: bl.X, Y: bl.Y}
	return quad
}

// polygonCentroid computes the area-weighted centroid of a closed polygon.
// Zero-area polygons report ok=false and are skipped by the caller.
func polygonCentroid(pts []image.Point) (float64, float64, bool) {
	var area, cx, cy float64
	n := len(pts)
	for i := 0; i < n; i++ {
		p0 := pts[i]
		p1 := pts[(i+1)%n]
		cross := float64(p0.X)*float64(p1.Y) - float64(p1.X)*float64(p0.Y)
		area += cross
		cx += (float64(p0.X) + float64(p1.X)) * cross
		cy += (float64(p0.Y) + float64(p1.Y)) * cross
	}
	area /= 2
	if area == 0 {
		return 0, 0, false
	}
	return cx / (6 * area), cy / (6 * area), true
}

// matMedian returns the median intensity of a single-channel 8-bit image.
func matMedian(m gocv.Mat) float64 {
	data := m.ToBytes()
	if len(data) == 0 {
		return 0
	}
	var hist [256]int
	for _, v := range data {
		hist[v]++
	}
	half := len(data) / 2
	cum := 0
	for v, count := range hist {
		cum += count
		if cum > half {
			return float64(v)
		}
	}
	return 255
}
