package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/zulfikawr/ferry/internal/fileops"
	"github.com/zulfikawr/ferry/internal/logging"
)

// Seed populates the sandbox root with a small tree of sample files for
// client test runs. Existing files are never overwritten, so seeding is
// idempotent across restarts.
func Seed(ops *fileops.Ops) error {
	fixtures := []struct {
		path    string
		content string
	}{
		{"/readme.txt", "ferry TCP test server sample tree\n\nThis directory is generated test data; edit or delete freely.\n"},
		{"/documents/notes.txt", "meeting notes placeholder\n"},
		{"/documents/report.md", "# Quarterly Report\n\nSample markdown document for transfer testing.\n"},
		{"/images/pixel.png", pngPixel},
		{"/data/sample.json", "{\n  \"name\": \"sample\",\n  \"values\": [1, 2, 3]\n}\n"},
		{"/data/large.txt", strings.Repeat("0123456789abcdef\n", 4096)},
	}

	for _, fx := range fixtures {
		if err := ops.Touch(fx.path, []byte(fx.content), time.Time{}); err != nil {
			return fmt.Errorf("seed %s: %w", fx.path, err)
		}
	}
	logging.Info("Sample fixtures seeded")
	return nil
}

// pngPixel is a 1x1 transparent PNG, the smallest binary fixture worth
// serving.
var pngPixel = string([]byte{
	0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A,
	0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1F, 0x15, 0xC4,
	0x89, 0x00, 0x00, 0x00, 0x0A, 0x49, 0x44, 0x41,
	0x54, 0x78, 0x9C, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0D, 0x0A, 0x2D, 0xB4, 0x00,
	0x00, 0x00, 0x00, 0x49, 0x45, 0x4E, 0x44, 0xAE,
	0x42, 0x60, 0x82,
})
