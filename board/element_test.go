package board

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateStroke(t *testing.T) {
	stroke := NewStroke("u1", "Alice", ToolPen,
		[]Point{{X: 0, Y: 0}, {X: 10, Y: 10}}, "#000", 2, StyleSolid)
	assert.NoError(t, stroke.Validate())

	short := NewStroke("u1", "Alice", ToolPen,
		[]Point{{X: 0, Y: 0}}, "#000", 2, StyleSolid)
	assert.Error(t, short.Validate())
}

func TestValidateShape(t *testing.T) {
	shape := NewShape("u1", "Alice", ShapeRectangle,
		Point{X: 0, Y: 0}, Point{X: 10, Y: 10}, "#000", 2, false, StyleSolid)
	assert.NoError(t, shape.Validate())

	degenerate := NewShape("u1", "Alice", ShapeRectangle,
		Point{X: 5, Y: 5}, Point{X: 5, Y: 5}, "#000", 2, false, StyleSolid)
	assert.Error(t, degenerate.Validate())
}

func TestValidateText(t *testing.T) {
	text := NewText("u1", "Alice", "hello", Point{X: 0, Y: 0}, "#000", 16)
	assert.NoError(t, text.Validate())

	empty := NewText("u1", "Alice", "", Point{X: 0, Y: 0}, "#000", 16)
	assert.Error(t, empty.Validate())
}

func TestValidateUnknownKind(t *testing.T) {
	e := &Element{ID: "x", Kind: Kind("scribble")}
	err := e.Validate()
	require.Error(t, err)
	assert.IsType(t, ErrInvalidKind{}, err)
}

func TestValidateMissingID(t *testing.T) {
	e := &Element{Kind: KindText, Text: "hello"}
	assert.Error(t, e.Validate())
}

func TestStrokeBounds(t *testing.T) {
	stroke := NewStroke("u1", "Alice", ToolPen,
		[]Point{{X: 10, Y: 30}, {X: 5, Y: 40}, {X: 20, Y: 15}}, "#000", 2, StyleSolid)

	r := stroke.Bounds()
	assert.Equal(t, Point{X: 5, Y: 15}, r.Min)
	assert.Equal(t, Point{X: 20, Y: 40}, r.Max)
}

func TestShapeBoundsNormalized(t *testing.T) {
	// Dragging up-left must still yield Min <= Max.
	shape := NewShape("u1", "Alice", ShapeRectangle,
		Point{X: 30, Y: 40}, Point{X: 10, Y: 20}, "#000", 2, false, StyleSolid)

	r := shape.Bounds()
	assert.Equal(t, Point{X: 10, Y: 20}, r.Min)
	assert.Equal(t, Point{X: 30, Y: 40}, r.Max)
}

func TestTextBounds(t *testing.T) {
	text := NewText("u1", "Alice", "hi", Point{X: 100, Y: 200}, "#000", 10)

	r := text.Bounds()
	assert.Equal(t, Point{X: 100, Y: 200}, r.Min)
	assert.InDelta(t, 112, r.Max.X, 0.001)
	assert.InDelta(t, 210, r.Max.Y, 0.001)
}

func TestRectExpandContains(t *testing.T) {
	r := Rect{Min: Point{X: 10, Y: 10}, Max: Point{X: 20, Y: 20}}

	assert.False(t, r.Contains(Point{X: 8, Y: 15}))
	assert.True(t, r.Expand(5).Contains(Point{X: 8, Y: 15}))
	assert.True(t, r.Contains(Point{X: 10, Y: 10}))
}

func TestNewElementDefaults(t *testing.T) {
	stroke := NewStroke("u1", "Alice", ToolPen,
		[]Point{{X: 0, Y: 0}, {X: 1, Y: 1}}, "#000", 2, StyleSolid)

	assert.NotEmpty(t, stroke.ID)
	assert.Equal(t, KindStroke, stroke.Kind)
	assert.Equal(t, DefaultOpacity, stroke.Opacity)
	assert.NotZero(t, stroke.Timestamp)
}

func TestNewStrokeCopiesPoints(t *testing.T) {
	pts := []Point{{X: 0, Y: 0}, {X: 1, Y: 1}}
	stroke := NewStroke("u1", "Alice", ToolPen, pts, "#000", 2, StyleSolid)

	pts[0].X = 99
	assert.Equal(t, 0.0, stroke.Points[0].X)
}
