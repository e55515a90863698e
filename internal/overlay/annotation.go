// Package overlay holds the latest computer-vision annotation per camera
// and the renderers that draw annotations onto frames.
//
// Annotations are a closed set of kinds selected by the overlay_type tag
// of an overlay message. A [Registry] maps each kind to a [Renderer];
// kinds without a renderer are stored as [Unknown] and composite as raw
// frames.
package overlay

import (
	"errors"
	"fmt"
	"math"

	"github.com/zsiec/multiview/internal/wire"
)

// Kind is the overlay_type tag of an annotation.
type Kind string

const (
	KindCharuco Kind = "charuco_observation"
	KindPose    Kind = "pose_observation"
)

var (
	ErrNoRenderer        = errors.New("overlay: no renderer for kind")
	ErrInvalidAnnotation = errors.New("overlay: invalid annotation")
)

// PayloadError reports an annotation payload that did not match the
// schema of its declared kind.
type PayloadError struct {
	Kind Kind
	Err  error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("overlay: decode %s: %v", e.Kind, e.Err)
}

func (e *PayloadError) Unwrap() error {
	return e.Err
}

// Annotation is one decoded overlay payload.
type Annotation interface {
	Kind() Kind
}

// Corner is a detected ChArUco chessboard corner. X and Y are normalized
// to the frame, in [0, 1].
type Corner struct {
	ID int     `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// BoardGeometry is the square count of the calibration board.
type BoardGeometry struct {
	Columns int `json:"columns"`
	Rows    int `json:"rows"`
}

// InnerCorners returns the number of chessboard corners on the board.
func (g BoardGeometry) InnerCorners() int {
	if g.Columns < 2 || g.Rows < 2 {
		return 0
	}
	return (g.Columns - 1) * (g.Rows - 1)
}

// CharucoObservation is a calibration-board detection result.
type CharucoObservation struct {
	Corners      []Corner      `json:"corners"`
	MarkerIDs    []int         `json:"marker_ids"`
	TotalCorners int           `json:"total_corners"`
	TotalMarkers int           `json:"total_markers"`
	Board        BoardGeometry `json:"board"`
	PoseSolved   bool          `json:"pose_solved"`
}

func (*CharucoObservation) Kind() Kind { return KindCharuco }

// Landmark is one pose keypoint, normalized to the frame. A nil
// Visibility means the detector did not report one.
type Landmark struct {
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	Visibility *float64 `json:"visibility,omitempty"`
}

// PoseObservation holds the keypoint sets of one detected person. Any
// aspect may be empty.
type PoseObservation struct {
	Body      []Landmark `json:"body"`
	LeftHand  []Landmark `json:"left_hand"`
	RightHand []Landmark `json:"right_hand"`
	Face      []Landmark `json:"face"`
}

func (*PoseObservation) Kind() Kind { return KindPose }

// Unknown is an annotation whose kind this client does not understand.
// It is kept so the store reflects the latest message, but it never
// renders.
type Unknown struct {
	Type string
	Raw  []byte
}

func (u *Unknown) Kind() Kind { return Kind(u.Type) }

// Parse decodes an annotation payload according to its overlay_type tag.
// Unrecognized kinds yield *Unknown without error.
func Parse(kind string, data []byte) (Annotation, error) {
	var a Annotation
	switch Kind(kind) {
	case KindCharuco:
		a = &CharucoObservation{}
	case KindPose:
		a = &PoseObservation{}
	default:
		return &Unknown{Type: kind, Raw: append([]byte(nil), data...)}, nil
	}
	if len(data) == 0 {
		return nil, &PayloadError{Kind: Kind(kind), Err: errors.New("empty payload")}
	}
	if err := wire.Unmarshal(data, a); err != nil {
		return nil, &PayloadError{Kind: Kind(kind), Err: err}
	}
	return a, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
