package board

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the element variants. Every element carries its kind
// explicitly; consumers must never infer the variant from which fields
// happen to be populated.
type Kind string

const (
	// KindStroke is a freehand stroke.
	KindStroke Kind = "stroke"
	// KindShape is a geometric shape.
	KindShape Kind = "shape"
	// KindText is a text label.
	KindText Kind = "text"
)

// StrokeTool identifies the tool a stroke was drawn with.
type StrokeTool string

const (
	ToolPen         StrokeTool = "pen"
	ToolEraser      StrokeTool = "eraser"
	ToolHighlighter StrokeTool = "highlighter"
)

// ShapeType identifies the geometric shape variant.
type ShapeType string

const (
	ShapeRectangle ShapeType = "rectangle"
	ShapeCircle    ShapeType = "circle"
	ShapeLine      ShapeType = "line"
	ShapeArrow     ShapeType = "arrow"
)

// StrokeStyle is the outline style used when rendering.
type StrokeStyle string

const (
	StyleSolid  StrokeStyle = "solid"
	StyleDashed StrokeStyle = "dashed"
	StyleDotted StrokeStyle = "dotted"
)

// DefaultOpacity is the opacity assigned when none is specified.
const DefaultOpacity = 100

// Point is a position on the canvas.
type Point struct {
	X float64 `json:"x" bson:"x"`
	Y float64 `json:"y" bson:"y"`
}

// Element is one drawn unit on the canvas. It is a tagged union over
// {stroke, shape, text}; Kind selects which of the variant field groups is
// meaningful. Elements are immutable once created: undo/redo moves them
// between the live collections and the redo stack but never edits geometry.
type Element struct {
	ID        string `json:"id" bson:"element_id"`
	Kind      Kind   `json:"kind" bson:"kind"`
	UserID    string `json:"user_id" bson:"user_id"`
	UserName  string `json:"user_name" bson:"user_name"`
	Timestamp int64  `json:"timestamp" bson:"timestamp"`
	Opacity   int    `json:"opacity" bson:"opacity"`

	// Stroke fields.
	Tool        StrokeTool  `json:"tool,omitempty" bson:"tool,omitempty"`
	Points      []Point     `json:"points,omitempty" bson:"points,omitempty"`
	Color       string      `json:"color,omitempty" bson:"color,omitempty"`
	Width       float64     `json:"width,omitempty" bson:"width,omitempty"`
	StrokeStyle StrokeStyle `json:"stroke_style,omitempty" bson:"stroke_style,omitempty"`

	// Shape fields. Color, Width and StrokeStyle are shared with strokes.
	ShapeType ShapeType `json:"shape_type,omitempty" bson:"shape_type,omitempty"`
	Start     Point     `json:"start" bson:"start"`
	End       Point     `json:"end" bson:"end"`
	Fill      bool      `json:"fill,omitempty" bson:"fill,omitempty"`

	// Text fields. Color is shared with strokes.
	Text       string  `json:"text,omitempty" bson:"text,omitempty"`
	Position   Point   `json:"position" bson:"position"`
	FontSize   float64 `json:"font_size,omitempty" bson:"font_size,omitempty"`
	FontWeight string  `json:"font_weight,omitempty" bson:"font_weight,omitempty"`
	FontStyle  string  `json:"font_style,omitempty" bson:"font_style,omitempty"`
	FontFamily string  `json:"font_family,omitempty" bson:"font_family,omitempty"`
}

// nowMillis returns the current wall time in milliseconds since the epoch,
// the only ordering key used across element kinds.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewStroke creates a freehand stroke element with a fresh id and timestamp.
func NewStroke(userID, userName string, tool StrokeTool, points []Point, color string, width float64, style StrokeStyle) *Element {
	pts := make([]Point, len(points))
	copy(pts, points)
	return &Element{
		ID:          uuid.NewString(),
		Kind:        KindStroke,
		UserID:      userID,
		UserName:    userName,
		Timestamp:   nowMillis(),
		Opacity:     DefaultOpacity,
		Tool:        tool,
		Points:      pts,
		Color:       color,
		Width:       width,
		StrokeStyle: style,
	}
}

// NewShape creates a geometric shape element with a fresh id and timestamp.
func NewShape(userID, userName string, shape ShapeType, start, end Point, color string, width float64, fill bool, style StrokeStyle) *Element {
	return &Element{
		ID:          uuid.NewString(),
		Kind:        KindShape,
		UserID:      userID,
		UserName:    userName,
		Timestamp:   nowMillis(),
		Opacity:     DefaultOpacity,
		ShapeType:   shape,
		Start:       start,
		End:         end,
		Color:       color,
		Width:       width,
		Fill:        fill,
		StrokeStyle: style,
	}
}

// NewText creates a text label element with a fresh id and timestamp.
func NewText(userID, userName, text string, position Point, color string, fontSize float64) *Element {
	return &Element{
		ID:        uuid.NewString(),
		Kind:      KindText,
		UserID:    userID,
		UserName:  userName,
		Timestamp: nowMillis(),
		Opacity:   DefaultOpacity,
		Text:      text,
		Position:  position,
		Color:     color,
		FontSize:  fontSize,
	}
}

// Validate checks that the element is well-formed for its kind.
func (e *Element) Validate() error {
	if e.ID == "" {
		return ErrInvalidElement{Message: "missing id"}
	}
	switch e.Kind {
	case KindStroke:
		if len(e.Points) < 2 {
			return ErrInvalidElement{Message: "stroke requires at least two points"}
		}
	case KindShape:
		if e.Start == e.End {
			return ErrInvalidElement{Message: "shape start and end must differ"}
		}
	case KindText:
		if e.Text == "" {
			return ErrInvalidElement{Message: "text element requires text"}
		}
	default:
		return ErrInvalidKind{Kind: string(e.Kind)}
	}
	return nil
}

// Rect is an axis-aligned bounding rectangle.
type Rect struct {
	Min Point
	Max Point
}

// Expand grows the rectangle by margin on every side.
func (r Rect) Expand(margin float64) Rect {
	return Rect{
		Min: Point{X: r.Min.X - margin, Y: r.Min.Y - margin},
		Max: Point{X: r.Max.X + margin, Y: r.Max.Y + margin},
	}
}

// Contains reports whether p lies inside the rectangle.
func (r Rect) Contains(p Point) bool {
	return p.X >= r.Min.X && p.X <= r.Max.X && p.Y >= r.Min.Y && p.Y <= r.Max.Y
}

// textWidthFactor approximates glyph width as a fraction of font size.
const textWidthFactor = 0.6

// Bounds returns the element's bounding rectangle. Stroke bounds are the
// min/max over its points, shape bounds the corner-normalized rectangle of
// start/end, and text bounds approximate width by character count times
// font size.
func (e *Element) Bounds() Rect {
	switch e.Kind {
	case KindStroke:
		if len(e.Points) == 0 {
			return Rect{}
		}
		r := Rect{Min: e.Points[0], Max: e.Points[0]}
		for _, p := range e.Points[1:] {
			if p.X < r.Min.X {
				r.Min.X = p.X
			}
			if p.Y < r.Min.Y {
				r.Min.Y = p.Y
			}
			if p.X > r.Max.X {
				r.Max.X = p.X
			}
			if p.Y > r.Max.Y {
				r.Max.Y = p.Y
			}
		}
		return r
	case KindShape:
		r := Rect{Min: e.Start, Max: e.End}
		if r.Min.X > r.Max.X {
			r.Min.X, r.Max.X = r.Max.X, r.Min.X
		}
		if r.Min.Y > r.Max.Y {
			r.Min.Y, r.Max.Y = r.Max.Y, r.Min.Y
		}
		return r
	case KindText:
		width := float64(len(e.Text)) * e.FontSize * textWidthFactor
		return Rect{
			Min: e.Position,
			Max: Point{X: e.Position.X + width, Y: e.Position.Y + e.FontSize},
		}
	default:
		return Rect{}
	}
}
