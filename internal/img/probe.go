// internal/img/probe.go
package img

import (
	"fmt"

	"github.com/disintegration/imaging"
)

// ProbeFrame decodes the image at path and returns its pixel dimensions.
// Used to enrich result events with the extracted frame's actual size.
func ProbeFrame(path string) (width, height int, _ error) {
	m, err := imaging.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open frame: %w", err)
	}
	b := m.Bounds()
	return b.Dx(), b.Dy(), nil
}
