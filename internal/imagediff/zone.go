// Package imagediff detects pixel changes inside a rectangular zone of two
// screenshots.
package imagediff

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

// ChannelThreshold is the largest per-channel difference, on an 8-bit scale,
// still treated as equal.
const ChannelThreshold = 20

// Stats describes a zone comparison.
type Stats struct {
	Area      int
	Differing int
	Changed   bool
}

// ZoneChanged reports whether the zone differs enough between cur and prev.
// A nil prev never counts as a change.
func ZoneChanged(cur, prev []byte, zone monitor.Zone) (bool, error) {
	stats, err := Compare(cur, prev, zone)
	if err != nil {
		return false, err
	}
	return stats.Changed, nil
}

// Compare decodes both PNGs and counts differing pixels inside zone.
//
// A pixel differs when any of R, G or B moves by more than ChannelThreshold.
// Coordinates outside both images are skipped; coordinates inside exactly one
// image count as differing. The zone triggers when
// differing*sensitivity >= 100*area.
func Compare(cur, prev []byte, zone monitor.Zone) (Stats, error) {
	stats := Stats{Area: zone.Area()}
	if prev == nil {
		return stats, nil
	}
	if err := zone.Validate(); err != nil {
		return stats, err
	}
	curImg, err := decode(cur)
	if err != nil {
		return stats, fmt.Errorf("decode current screenshot: %w", err)
	}
	prevImg, err := decode(prev)
	if err != nil {
		return stats, fmt.Errorf("decode previous screenshot: %w", err)
	}
	if stats.Area == 0 {
		return stats, nil
	}

	curBounds, prevBounds := curImg.Bounds(), prevImg.Bounds()
	for j := zone.Y; j < zone.Y+zone.Height; j++ {
		for i := zone.X; i < zone.X+zone.Width; i++ {
			p := image.Pt(curBounds.Min.X+i, curBounds.Min.Y+j)
			q := image.Pt(prevBounds.Min.X+i, prevBounds.Min.Y+j)
			inCur, inPrev := p.In(curBounds), q.In(prevBounds)
			switch {
			case !inCur && !inPrev:
				continue
			case inCur != inPrev:
				stats.Differing++
			case pixelDiffers(curImg, prevImg, p, q):
				stats.Differing++
			}
		}
	}
	stats.Changed = stats.Differing*zone.Sensitivity >= 100*stats.Area
	return stats, nil
}

func decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image")
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("png: %w", err)
	}
	return img, nil
}

func pixelDiffers(a, b image.Image, p, q image.Point) bool {
	ar, ag, ab, _ := a.At(p.X, p.Y).RGBA()
	br, bg, bb, _ := b.At(q.X, q.Y).RGBA()
	return channelDiff(ar, br) > ChannelThreshold ||
		channelDiff(ag, bg) > ChannelThreshold ||
		channelDiff(ab, bb) > ChannelThreshold
}

// channelDiff compares two 16-bit channel values on an 8-bit scale.
func channelDiff(a, b uint32) uint32 {
	a8, b8 := a>>8, b>>8
	if a8 > b8 {
		return a8 - b8
	}
	return b8 - a8
}
