package overlay

import (
	"fmt"
	"image"
	"image/color"
)

// MinVisibility is the visibility below which a reported landmark is not
// drawn.
const MinVisibility = 0.5

type aspectStyle struct {
	name   string
	point  color.RGBA
	line   color.RGBA
	radius int
	width  int
}

var (
	bodyStyle      = aspectStyle{name: "Body", point: color.RGBA{R: 255, G: 255, A: 255}, line: color.RGBA{G: 255, A: 255}, radius: 4, width: 3}
	leftHandStyle  = aspectStyle{name: "L hand", point: color.RGBA{R: 80, G: 160, B: 255, A: 255}, line: color.RGBA{B: 255, A: 255}, radius: 2, width: 1}
	rightHandStyle = aspectStyle{name: "R hand", point: color.RGBA{R: 255, G: 140, B: 60, A: 255}, line: color.RGBA{R: 255, A: 255}, radius: 2, width: 1}
	faceStyle      = aspectStyle{name: "Face", point: color.RGBA{R: 255, G: 220, B: 220, A: 255}, radius: 1}
)

// bodyConnections is the 33-landmark body topology.
var bodyConnections = [][2]int{
	{0, 1}, {1, 2}, {2, 3}, {3, 7}, {0, 4}, {4, 5}, {5, 6}, {6, 8}, {9, 10},
	{11, 12}, {11, 13}, {13, 15}, {15, 17}, {15, 19}, {15, 21}, {17, 19},
	{12, 14}, {14, 16}, {16, 18}, {16, 20}, {16, 22}, {18, 20},
	{11, 23}, {12, 24}, {23, 24}, {23, 25}, {24, 26}, {25, 27}, {26, 28},
	{27, 29}, {28, 30}, {29, 31}, {30, 32}, {27, 31}, {28, 32},
}

// handConnections is the 21-landmark hand topology.
var handConnections = [][2]int{
	{0, 1}, {1, 2}, {2, 3}, {3, 4},
	{0, 5}, {5, 6}, {6, 7}, {7, 8},
	{5, 9}, {9, 10}, {10, 11}, {11, 12},
	{9, 13}, {13, 14}, {14, 15}, {15, 16},
	{13, 17}, {0, 17}, {17, 18}, {18, 19}, {19, 20},
}

// PoseRenderer draws body, hand, and face landmarks with per-aspect
// styling, skeleton segments where a topology is known, and an info
// panel. Absent aspects are skipped.
type PoseRenderer struct{}

var _ Renderer = PoseRenderer{}

func (PoseRenderer) Render(dst *image.RGBA, a Annotation) error {
	obs, ok := a.(*PoseObservation)
	if !ok {
		return fmt.Errorf("%w: pose renderer got %T", ErrInvalidAnnotation, a)
	}
	if err := obs.validate(); err != nil {
		return err
	}

	drawAspect(dst, obs.Body, bodyConnections, bodyStyle)
	drawAspect(dst, obs.LeftHand, handConnections, leftHandStyle)
	drawAspect(dst, obs.RightHand, handConnections, rightHandStyle)
	drawAspect(dst, obs.Face, nil, faceStyle)

	status := obs.Status()
	drawPanel(dst, []string{
		"Pose",
		fmt.Sprintf("%s %d | %s %d", bodyStyle.name, len(obs.Body), faceStyle.name, len(obs.Face)),
		fmt.Sprintf("%s %d | %s %d", leftHandStyle.name, len(obs.LeftHand), rightHandStyle.name, len(obs.RightHand)),
	})
	drawStatus(dst, status)
	return nil
}

// Status summarizes which aspects were detected.
func (o *PoseObservation) Status() string {
	if len(o.Body) == 0 && len(o.LeftHand) == 0 && len(o.RightHand) == 0 && len(o.Face) == 0 {
		return "No pose detected"
	}
	s := "Pose detected"
	if len(o.LeftHand) > 0 || len(o.RightHand) > 0 {
		s += " | hands"
	}
	if len(o.Face) > 0 {
		s += " | face"
	}
	return s
}

func (o *PoseObservation) validate() error {
	for _, set := range [][]Landmark{o.Body, o.LeftHand, o.RightHand, o.Face} {
		for i, l := range set {
			if !inFrame(l.X, l.Y) {
				return fmt.Errorf("%w: landmark %d at (%v, %v)", ErrInvalidAnnotation, i, l.X, l.Y)
			}
		}
	}
	return nil
}

func visible(l Landmark) bool {
	return l.Visibility == nil || *l.Visibility >= MinVisibility
}

func drawAspect(dst *image.RGBA, points []Landmark, connections [][2]int, st aspectStyle) {
	if len(points) == 0 {
		return
	}
	for _, c := range connections {
		if c[0] >= len(points) || c[1] >= len(points) {
			continue
		}
		a, b := points[c[0]], points[c[1]]
		if !visible(a) || !visible(b) {
			continue
		}
		drawLine(dst, toPixel(dst, a.X, a.Y), toPixel(dst, b.X, b.Y), st.width, st.line)
	}
	for _, p := range points {
		if visible(p) {
			fillCircle(dst, toPixel(dst, p.X, p.Y), st.radius, st.point)
		}
	}
}
