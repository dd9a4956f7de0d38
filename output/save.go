// Package output writes retrieved images to disk as <node>-<seed>.png
package output

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// FileName names the index'th image of a node for a run. The first image
// carries no index so a single-image node maps to exactly <node>-<seed>.png.
func FileName(nodeID string, seed int64, index int) string {
	if index == 0 {
		return fmt.Sprintf("%s-%d.png", nodeID, seed)
	}
	return fmt.Sprintf("%s-%d-%d.png", nodeID, seed, index)
}

// Save decodes each blob to make sure it is an image and writes it to dir,
// creating dir if needed. PNG blobs are written as received so their embedded
// workflow survives; anything else is converted to PNG. It returns the paths
// written, in blob order.
func Save(dir string, nodeID string, seed int64, blobs [][]byte) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	paths := make([]string, 0, len(blobs))
	for i, blob := range blobs {
		img, err := imaging.Decode(bytes.NewReader(blob))
		if err != nil {
			return paths, fmt.Errorf("node %s image %d is not a decodable image: %w", nodeID, i, err)
		}

		target := filepath.Join(dir, FileName(nodeID, seed, i))
		if http.DetectContentType(blob) == "image/png" {
			err = os.WriteFile(target, blob, 0644)
		} else {
			err = imaging.Save(img, target)
		}
		if err != nil {
			return paths, fmt.Errorf("writing %s: %w", target, err)
		}
		paths = append(paths, target)
	}
	return paths, nil
}
