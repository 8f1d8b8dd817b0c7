package revenium

import (
	"github.com/anthropics/anthropic-sdk-go"
)

// VisionDetectionResult contains vision detection statistics for a request.
type VisionDetectionResult struct {
	HasVisionContent bool
	ImageCount       int
	// TotalImageSizeBytes is the estimated decoded size of base64 image data.
	TotalImageSizeBytes int
	MediaTypes          []string
}

// DetectVisionContent scans message parameters for image content blocks.
// URL-sourced images count toward ImageCount but not byte size.
func DetectVisionContent(params anthropic.MessageNewParams) VisionDetectionResult {
	result := VisionDetectionResult{}

	for _, msg := range params.Messages {
		for _, block := range msg.Content {
			img := block.OfImage
			if img == nil {
				continue
			}
			result.HasVisionContent = true
			result.ImageCount++
			if src := img.Source.OfBase64; src != nil {
				if mt := string(src.MediaType); mt != "" && !containsString(result.MediaTypes, mt) {
					result.MediaTypes = append(result.MediaTypes, mt)
				}
				result.TotalImageSizeBytes += base64DecodedSize(src.Data)
			}
		}
	}

	return result
}

// base64DecodedSize estimates the decoded byte size of a base64 string,
// discounting trailing padding.
func base64DecodedSize(data string) int {
	n := len(data)
	if n == 0 {
		return 0
	}
	padding := 0
	if data[n-1] == '=' {
		padding++
		if n > 1 && data[n-2] == '=' {
			padding++
		}
	}
	return ((n - padding) * 3) / 4
}

func containsString(slice []string, val string) bool {
	for _, item := range slice {
		if item == val {
			return true
		}
	}
	return false
}

// BuildVisionAttributes creates the attributes map attached to usage events
// for requests carrying vision content.
func BuildVisionAttributes(result VisionDetectionResult) map[string]interface{} {
	if !result.HasVisionContent {
		return nil
	}
	return map[string]interface{}{
		"vision_image_count":      result.ImageCount,
		"vision_total_size_bytes": result.TotalImageSizeBytes,
		"vision_media_types":      result.MediaTypes,
	}
}
