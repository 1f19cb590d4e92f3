package processors

import (
	"fmt"
	"image"

	"github.com/corona10/goimagehash"
	"gocv.io/x/gocv"
	xdraw "golang.org/x/image/draw"
)

// Canonical size for structural comparison, normalizing resolution and
// aspect differences between crops.
const (
	ssimWidth  = 1000
	ssimHeight = 600
)

// CosineSimilarity returns the dot product of two vectors clamped to
// [-1, 1]. Inputs are expected to be L2-normalized already.
func CosineSimilarity(a, b []float32) float64 {
	n := min(len(a), len(b))
	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	if dot > 1 {
		return 1
	}
	if dot < -1 {
		return -1
	}
	return dot
}

// Phash computes the 64-bit perceptual hash of a region image.
func Phash(m gocv.Mat) (uint64, error) {
	img, err := m.ToImage()
	if err != nil {
		return 0, fmt.Errorf("mat to image: %w", err)
	}
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return 0, fmt.Errorf("perception hash: %w", err)
	}
	return hash.GetHash(), nil
}

// PhashDistance is the Hamming distance between two perceptual hashes.
func PhashDistance(a, b uint64) int {
	ha := goimagehash.NewImageHash(a, goimagehash.PHash)
	hb := goimagehash.NewImageHash(b, goimagehash.PHash)
	dist, err := ha.Distance(hb)
	if err != nil {
		return 64
	}
	return dist
}

// SSIM computes the mean structural similarity of two images after
// converting them to grayscale and resizing both to the canonical
// comparison size.
func SSIM(a, b gocv.Mat) (float64, error) {
	grayA, err := toCanonicalGray(a)
	if err != nil {
		return 0, err
	}
	grayB, err := toCanonicalGray(b)
	if err != nil {
		return 0, err
	}
	return graySSIM(grayA, grayB), nil
}

// toCanonicalGray converts a BGR matrix to a 1000x600 grayscale image.
func toCanonicalGray(m gocv.Mat) (*image.Gray, error) {
	var gray gocv.Mat
	if m.Channels() > 1 {
		gray = gocv.NewMat()
		gocv.CvtColor(m, &gray, gocv.ColorBGRToGray)
	} else {
		gray = m.Clone()
	}
	defer gray.Close()
	img, err := gray.ToImage()
	if err != nil {
		return nil, fmt.Errorf("mat to image: %w", err)
	}
	grayImg, ok := img.(*image.Gray)
	if !ok {
		bounds := img.Bounds()
		grayImg = image.NewGray(bounds)
		xdraw.Draw(grayImg, bounds, img, bounds.Min, xdraw.Src)
	}
	resized := image.NewGray(image.Rect(0, 0, ssimWidth, ssimHeight))
	xdraw.BiLinear.Scale(resized, resized.Bounds(), grayImg, grayImg.Bounds(), xdraw.Src, nil)
	return resized, nil
}

// graySSIM averages per-window SSIM over 8x8 windows.
func graySSIM(a, b *image.Gray) float64 {
	const (
		window = 8
		c1     = 6.5025  // (0.01*255)^2
		c2     = 58.5225 // (0.03*255)^2
	)
	var total float64
	var windows int
	for y := 0; y+window <= ssimHeight; y += window {
		for x := 0; x+window <= ssimWidth; x += window {
			var sumA, sumB float64
			for dy := 0; dy < window; dy++ {
				rowA := a.Pix[(y+dy)*a.Stride+x:]
				rowB := b.Pix[(y+dy)*b.Stride+x:]
				for dx := 0; dx < window; dx++ {
					sumA += float64(rowA[dx])
					sumB += float64(rowB[dx])
				}
			}
			n := float64(window * window)
			muA := sumA / n
			muB := sumB / n

			var varA, varB, cov float64
			for dy := 0; dy < window; dy++ {
				rowA := a.Pix[(y+dy)*a.Stride+x:]
				rowB := b.Pix[(y+dy)*b.Stride+x:]
				for dx := 0; dx < window; dx++ {
					da := float64(rowA[dx]) - muA
					db := float64(rowB[dx]) - muB
					varA += da * da
					varB += db * db
					cov += da * db
				}
			}
			varA /= n - 1
			varB /= n - 1
			cov /= n - 1

			ssim := ((2*muA*muB + c1) * (2*cov + c2)) /
				((muA*muA + muB*muB + c1) * (varA + varB + c2))
			total += ssim
			windows++
		}
	}
	if windows == 0 {
		return 0
	}
	return total / float64(windows)
}
