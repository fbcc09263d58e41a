package oracle

import (
	"encoding/base64"
	"fmt"

	"github.com/ahrav/go-blocking/internal/domain"
)

// labeledImage is one image in submission order with the caption the
// model sees next to it.
type labeledImage struct {
	Label      string
	Image      domain.Image
	HighDetail bool
}

// labeledImages flattens a request into submission order: reference,
// reference depth, then each view followed by its depth layer.
func labeledImages(req domain.OracleRequest) []labeledImage {
	out := make([]labeledImage, 0, req.ImageCount())
	out = append(out, labeledImage{Label: "REFERENCE (target composition)", Image: req.Reference, HighDetail: true})
	if req.ReferenceDepth != nil {
		out = append(out, labeledImage{Label: "REFERENCE depth map", Image: *req.ReferenceDepth, HighDetail: true})
	}
	for _, v := range req.Views {
		out = append(out, labeledImage{
			Label:      fmt.Sprintf("CURRENT %s view", v.ID),
			Image:      v.Image,
			HighDetail: v.HighDetail,
		})
		if v.Depth != nil {
			out = append(out, labeledImage{
				Label:      fmt.Sprintf("CURRENT %s depth map", v.ID),
				Image:      *v.Depth,
				HighDetail: false,
			})
		}
	}
	return out
}

// imageIndex renders the caption list appended to the prompt so that
// providers without per-image captions still know which image is which.
func imageIndex(images []labeledImage) string {
	s := "Images (in order):\n"
	for i, img := range images {
		s += fmt.Sprintf("%d. %s\n", i+1, img.Label)
	}
	return s
}

func encodeBase64(img domain.Image) string {
	return base64.StdEncoding.EncodeToString(img.Data)
}

// dataURL renders the image as a data: URL.
func dataURL(img domain.Image) string {
	return "data:" + img.DetectedMediaType() + ";base64," + encodeBase64(img)
}

// imageTokenEstimate returns the planning estimate for a request's images.
func imageTokenEstimate(images []labeledImage) int {
	n := 0
	for _, img := range images {
		if img.HighDetail {
			n += domain.HighDetailImageTokens
		} else {
			n += domain.LowDetailImageTokens
		}
	}
	return n
}
