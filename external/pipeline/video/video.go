// Package video implements pipeline.VideoCompositor with libvips via
// h2non/bimg: speaker_view resizes the active speaker's frame to fill
// the canvas, gallery_view tiles every participant's frame onto the
// canvas with bimg's watermark-image overlay used as a compositing
// primitive, one overlay call per tile.
package video

import (
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"html"
	"strings"

	"github.com/h2non/bimg"

	"github.com/meetingbots/orchestrator/internal/pipeline"
)

// blankPixelPNG is a 1x1 white PNG, the seed bimg extends into a
// blank gallery_view canvas before tiles are overlaid onto it.
var blankPixelPNG = mustDecodeBase64("iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNk+A8AAQUBAScY42YAAAAASUVORK5CYII=")

func mustDecodeBase64(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

type Config struct {
	Policy        pipeline.CompositorPolicy
	CanvasWidth   int
	CanvasHeight  int
}

type Compositor struct {
	cfg Config
}

func New(cfg Config) *Compositor {
	if cfg.CanvasWidth == 0 {
		cfg.CanvasWidth = 1280
	}
	if cfg.CanvasHeight == 0 {
		cfg.CanvasHeight = 720
	}
	return &Compositor{cfg: cfg}
}

func (c *Compositor) CompositeSlot(slot int64, frames map[string]pipeline.VideoFrameIn, activeSpeaker string) ([]byte, error) {
	if len(frames) == 0 {
		return nil, nil
	}
	switch c.cfg.Policy {
	case pipeline.CompositorGalleryView:
		return c.compositeGallery(frames)
	default:
		return c.compositeSpeaker(frames, activeSpeaker)
	}
}

func (c *Compositor) compositeSpeaker(frames map[string]pipeline.VideoFrameIn, activeSpeaker string) ([]byte, error) {
	frame, hasFrame := frames[activeSpeaker]
	if !hasFrame || len(frame.Data) == 0 {
		// Prefer any participant actually sending video; fall back to
		// whichever entry is present (even with no Data) so the canvas
		// still names someone rather than going blank.
		for _, f := range frames {
			if len(f.Data) > 0 {
				frame = f
				break
			}
			frame = f
		}
	}
	if len(frame.Data) == 0 {
		return placeholderTile(frame.Name, c.cfg.CanvasWidth, c.cfg.CanvasHeight)
	}
	out, err := bimg.NewImage(frame.Data).Process(bimg.Options{
		Width:   c.cfg.CanvasWidth,
		Height:  c.cfg.CanvasHeight,
		Crop:    true,
		Gravity: bimg.GravityCentre,
	})
	if err != nil {
		return nil, fmt.Errorf("resize speaker_view frame for slot: %w", err)
	}
	return out, nil
}

// compositeGallery tiles participants left-to-right, top-to-bottom
// into an even grid, overlaying each resized tile onto a blank canvas
// in turn.
func (c *Compositor) compositeGallery(frames map[string]pipeline.VideoFrameIn) ([]byte, error) {
	uuids := make([]string, 0, len(frames))
	for uuid := range frames {
		uuids = append(uuids, uuid)
	}

	cols := gridColumns(len(uuids))
	rows := (len(uuids) + cols - 1) / cols
	tileW := c.cfg.CanvasWidth / cols
	tileH := c.cfg.CanvasHeight / rows

	canvas, err := blankCanvas(c.cfg.CanvasWidth, c.cfg.CanvasHeight)
	if err != nil {
		return nil, fmt.Errorf("build gallery canvas: %w", err)
	}

	for i, uuid := range uuids {
		frame := frames[uuid]
		var tile []byte
		var err error
		if len(frame.Data) == 0 {
			tile, err = placeholderTile(frame.Name, tileW, tileH)
		} else {
			tile, err = bimg.NewImage(frame.Data).Process(bimg.Options{
				Width:   tileW,
				Height:  tileH,
				Crop:    true,
				Gravity: bimg.GravityCentre,
			})
		}
		if err != nil {
			return nil, fmt.Errorf("resize gallery tile for participant %s: %w", uuid, err)
		}

		left := (i % cols) * tileW
		top := (i / cols) * tileH
		canvas, err = bimg.NewImage(canvas).Process(bimg.Options{
			WatermarkImage: bimg.WatermarkImage{
				Buf:  tile,
				Left: left,
				Top:  top,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("overlay gallery tile for participant %s: %w", uuid, err)
		}
	}
	return canvas, nil
}

// placeholderPalette is a small fixed set of colors so repeated renders
// of the same participant land on the same color; bimg has no text
// layer of its own, so the name goes in as an SVG overlay that libvips
// rasterizes the same way it would any other source image.
var placeholderPalette = []string{"#3b5bdb", "#2f9e44", "#e8590c", "#9c36b5", "#1098ad", "#c2255c"}

func placeholderTile(name string, width, height int) ([]byte, error) {
	svg := fmt.Sprintf(
		`<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d">`+
			`<rect width="100%%" height="100%%" fill="%s"/>`+
			`<text x="50%%" y="50%%" text-anchor="middle" dominant-baseline="central" `+
			`font-family="sans-serif" font-size="%d" fill="#ffffff">%s</text>`+
			`</svg>`,
		width, height, placeholderColor(name), height/3, html.EscapeString(initials(name)),
	)
	out, err := bimg.NewImage([]byte(svg)).Process(bimg.Options{Width: width, Height: height})
	if err != nil {
		return nil, fmt.Errorf("render name placeholder tile: %w", err)
	}
	return out, nil
}

func placeholderColor(name string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return placeholderPalette[h.Sum32()%uint32(len(placeholderPalette))]
}

// initials takes the first letter of up to the first two words of name,
// e.g. "Jane Doe" -> "JD", falling back to "?" for a participant whose
// name hasn't arrived yet.
func initials(name string) string {
	words := strings.Fields(name)
	if len(words) == 0 {
		return "?"
	}
	out := string([]rune(words[0])[:1])
	if len(words) > 1 {
		out += string([]rune(words[1])[:1])
	}
	return strings.ToUpper(out)
}

func blankCanvas(width, height int) ([]byte, error) {
	return bimg.NewImage(blankPixelPNG).Process(bimg.Options{
		Width:      width,
		Height:     height,
		Embed:      true,
		Background: bimg.Color{R: 255, G: 255, B: 255},
	})
}

func gridColumns(n int) int {
	switch {
	case n <= 1:
		return 1
	case n <= 4:
		return 2
	case n <= 9:
		return 3
	default:
		return 4
	}
}

func (c *Compositor) Close() error { return nil }

var _ pipeline.VideoCompositor = (*Compositor)(nil)
