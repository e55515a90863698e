package overlay

import (
	"fmt"
	"image"
	"image/color"
)

var (
	cornerColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	gridColor   = color.RGBA{R: 0, G: 200, B: 255, A: 255}
)

// CharucoRenderer draws detected board corners, the board grid between
// adjacent detected corners, a status bar, and an info panel.
type CharucoRenderer struct{}

var _ Renderer = CharucoRenderer{}

func (CharucoRenderer) Render(dst *image.RGBA, a Annotation) error {
	obs, ok := a.(*CharucoObservation)
	if !ok {
		return fmt.Errorf("%w: charuco renderer got %T", ErrInvalidAnnotation, a)
	}
	if err := obs.validate(); err != nil {
		return err
	}

	status := obs.Status()
	if len(obs.Corners) == 0 {
		drawPanel(dst, []string{"ChArUco", status})
		drawStatus(dst, status)
		return nil
	}

	byID := make(map[int]image.Point, len(obs.Corners))
	for _, c := range obs.Corners {
		byID[c.ID] = toPixel(dst, c.X, c.Y)
	}

	// Inner corners are numbered row-major across columns-1 per row.
	if cols := obs.Board.Columns - 1; cols > 0 && obs.Board.Rows > 1 {
		for id, p := range byID {
			if (id+1)%cols != 0 {
				if q, ok := byID[id+1]; ok {
					drawLine(dst, p, q, 1, gridColor)
				}
			}
			if q, ok := byID[id+cols]; ok {
				drawLine(dst, p, q, 1, gridColor)
			}
		}
	}
	for _, p := range byID {
		fillCircle(dst, p, 3, cornerColor)
	}

	drawPanel(dst, []string{
		"ChArUco",
		fmt.Sprintf("Board %dx%d", obs.Board.Columns, obs.Board.Rows),
		status,
	})
	drawStatus(dst, status)
	return nil
}

// Status summarizes the detection as shown in the status bar.
func (o *CharucoObservation) Status() string {
	if len(o.Corners) == 0 && len(o.MarkerIDs) == 0 {
		return "No board detected"
	}
	totalCorners := o.TotalCorners
	if totalCorners == 0 {
		totalCorners = o.Board.InnerCorners()
	}
	pose := "no"
	if o.PoseSolved {
		pose = "yes"
	}
	return fmt.Sprintf("Corners %d/%d | Markers %d/%d | Pose %s",
		len(o.Corners), totalCorners, len(o.MarkerIDs), o.TotalMarkers, pose)
}

func (o *CharucoObservation) validate() error {
	for _, c := range o.Corners {
		if !inFrame(c.X, c.Y) {
			return fmt.Errorf("%w: corner %d at (%v, %v)", ErrInvalidAnnotation, c.ID, c.X, c.Y)
		}
	}
	if o.Board.Columns < 0 || o.Board.Rows < 0 {
		return fmt.Errorf("%w: board %dx%d", ErrInvalidAnnotation, o.Board.Columns, o.Board.Rows)
	}
	return nil
}

// inFrame accepts normalized coordinates with a margin for points that a
// detector places just outside the image.
func inFrame(x, y float64) bool {
	return finite(x) && finite(y) && x >= -0.5 && x <= 1.5 && y >= -0.5 && y <= 1.5
}
