package editor

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"whiteboard/board"
	"whiteboard/boardlog"
	"whiteboard/boardsync"
)

// DefaultHitTolerance is the selection margin in canvas units.
const DefaultHitTolerance = 5.0

// ToolConfig is the current drawing configuration applied to new elements.
type ToolConfig struct {
	// Tool is the stroke tool.
	Tool board.StrokeTool
	// Shape is the shape variant drawn by the shape gestures.
	Shape board.ShapeType
	// Color is the drawing color.
	Color string
	// Width is the stroke width.
	Width float64
	// Style is the outline style.
	Style board.StrokeStyle
	// Fill fills shapes when true.
	Fill bool
	// Opacity overrides the default element opacity when in 1..100.
	Opacity int
	// FontSize is the text font size.
	FontSize float64
	// FontWeight, FontStyle and FontFamily are optional text attributes.
	FontWeight string
	FontStyle  string
	FontFamily string
}

// DefaultToolConfig returns the configuration a fresh controller starts with.
func DefaultToolConfig() ToolConfig {
	return ToolConfig{
		Tool:     board.ToolPen,
		Shape:    board.ShapeRectangle,
		Color:    "#000000",
		Width:    2,
		Style:    board.StyleSolid,
		FontSize: 16,
	}
}

// Controller turns local input gestures into document elements and pushes
// them through the session. Each completed element is applied to the local
// document immediately, then persisted; the write ledger records which saves
// are still unacknowledged or failed.
//
// Controller methods are not safe for concurrent gestures: one input source
// drives one controller.
type Controller struct {
	// session carries completed elements and control events to peers.
	session *boardsync.Session
	// doc is the session's document.
	doc *board.Document
	// ledger tracks element save acknowledgments.
	ledger *WriteLedger
	// config is the current tool configuration.
	config ToolConfig

	// mutex guards the in-progress gesture state below.
	mutex sync.Mutex
	// strokePoints accumulates the in-progress stroke.
	strokePoints []board.Point
	// shapeStart and shapeEnd track the in-progress shape drag.
	shapeStart board.Point
	shapeEnd   board.Point
	// drawing and shaping flag which gesture, if any, is in progress.
	drawing bool
	shaping bool
}

// NewController creates a Controller bound to the session.
func NewController(session *boardsync.Session) *Controller {
	return &Controller{
		session: session,
		doc:     session.Document(),
		ledger:  NewWriteLedger(),
		config:  DefaultToolConfig(),
	}
}

// Config returns the current tool configuration.
func (c *Controller) Config() ToolConfig {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.config
}

// SetConfig replaces the tool configuration. An in-progress gesture keeps
// the configuration it started with only up to completion, which reads the
// new one; callers should change tools between gestures.
func (c *Controller) SetConfig(cfg ToolConfig) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.config = cfg
}

// Ledger returns the write ledger.
func (c *Controller) Ledger() *WriteLedger {
	return c.ledger
}

// BeginStroke starts a freehand stroke at the given point.
func (c *Controller) BeginStroke(p board.Point) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.strokePoints = []board.Point{p}
	c.drawing = true
}

// ExtendStroke appends a point to the in-progress stroke. It is a no-op
// when no stroke is in progress.
func (c *Controller) ExtendStroke(p board.Point) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.drawing {
		return
	}
	c.strokePoints = append(c.strokePoints, p)
}

// StrokePreview returns a copy of the in-progress stroke points for
// rendering.
func (c *Controller) StrokePreview() []board.Point {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	pts := make([]board.Point, len(c.strokePoints))
	copy(pts, c.strokePoints)
	return pts
}

// EndStroke completes the stroke. A stroke with fewer than two points is
// discarded and nil is returned: a click is not a drawing.
func (c *Controller) EndStroke(ctx context.Context) (*board.Element, error) {
	c.mutex.Lock()
	points := c.strokePoints
	cfg := c.config
	wasDrawing := c.drawing
	c.strokePoints = nil
	c.drawing = false
	c.mutex.Unlock()

	if !wasDrawing {
		return nil, fmt.Errorf("no stroke in progress")
	}
	if len(points) < 2 {
		return nil, nil
	}

	e := board.NewStroke(c.session.UserID(), c.session.UserName(), cfg.Tool, points, cfg.Color, cfg.Width, cfg.Style)
	applyOpacity(e, cfg)
	return e, c.commit(ctx, e)
}

// BeginShape starts a shape drag at the given anchor point.
func (c *Controller) BeginShape(p board.Point) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.shapeStart = p
	c.shapeEnd = p
	c.shaping = true
}

// DragShape moves the free corner of the in-progress shape. It is a no-op
// when no shape is in progress.
func (c *Controller) DragShape(p board.Point) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.shaping {
		return
	}
	c.shapeEnd = p
}

// ShapePreview returns the in-progress shape corners for rendering.
func (c *Controller) ShapePreview() (start, end board.Point, active bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.shapeStart, c.shapeEnd, c.shaping
}

// EndShape completes the shape. A degenerate shape whose corners coincide
// is discarded and nil is returned.
func (c *Controller) EndShape(ctx context.Context) (*board.Element, error) {
	c.mutex.Lock()
	start, end := c.shapeStart, c.shapeEnd
	cfg := c.config
	wasShaping := c.shaping
	c.shaping = false
	c.mutex.Unlock()

	if !wasShaping {
		return nil, fmt.Errorf("no shape in progress")
	}
	if start == end {
		return nil, nil
	}

	e := board.NewShape(c.session.UserID(), c.session.UserName(), cfg.Shape, start, end, cfg.Color, cfg.Width, cfg.Fill, cfg.Style)
	applyOpacity(e, cfg)
	return e, c.commit(ctx, e)
}

// PlaceText creates a text label at the given position. Empty text is
// discarded and nil is returned.
func (c *Controller) PlaceText(ctx context.Context, text string, position board.Point) (*board.Element, error) {
	if text == "" {
		return nil, nil
	}

	c.mutex.Lock()
	cfg := c.config
	c.mutex.Unlock()

	e := board.NewText(c.session.UserID(), c.session.UserName(), text, position, cfg.Color, cfg.FontSize)
	e.FontWeight = cfg.FontWeight
	e.FontStyle = cfg.FontStyle
	e.FontFamily = cfg.FontFamily
	applyOpacity(e, cfg)
	return e, c.commit(ctx, e)
}

// applyOpacity overrides the element's default opacity from the config.
func applyOpacity(e *board.Element, cfg ToolConfig) {
	if cfg.Opacity >= 1 && cfg.Opacity <= 100 {
		e.Opacity = cfg.Opacity
	}
}

// commit validates the element, applies it locally, and persists it. The
// element stays visible locally even when the save fails; the ledger keeps
// the failure for retry.
func (c *Controller) commit(ctx context.Context, e *board.Element) error {
	if err := e.Validate(); err != nil {
		return err
	}

	c.doc.AddElement(e)
	c.ledger.Track(e.ID)

	if err := c.session.PersistElement(ctx, e); err != nil {
		c.ledger.Fail(e.ID, err)
		boardlog.Warn("element save failed",
			zap.String("element_id", e.ID), zap.Error(err))
		return nil
	}
	c.ledger.Confirm(e.ID)

	return nil
}

// RetryFailed re-persists every element whose save failed. Elements no
// longer in the document (cleared or undone since) are dropped from the
// ledger instead.
func (c *Controller) RetryFailed(ctx context.Context) {
	for _, id := range c.ledger.Failed() {
		e, ok := c.doc.ElementByID(id)
		if !ok {
			c.ledger.Confirm(id)
			continue
		}

		c.ledger.Track(id)
		if err := c.session.PersistElement(ctx, e); err != nil {
			c.ledger.Fail(id, err)
			continue
		}
		c.ledger.Confirm(id)
	}
}

// Undo removes the latest element from the document and broadcasts the
// removal. Note the target is the globally latest element by timestamp, not
// this user's latest action.
func (c *Controller) Undo(ctx context.Context) (string, bool) {
	id, ok := c.doc.Undo()
	if !ok {
		return "", false
	}
	c.session.SendUndo(ctx, id)
	return id, true
}

// Redo restores the most recently undone element and broadcasts the
// restoration.
func (c *Controller) Redo(ctx context.Context) (string, bool) {
	id, ok := c.doc.Redo()
	if !ok {
		return "", false
	}
	c.session.SendRedo(ctx, id)
	return id, true
}

// Clear empties the board for everyone: persisted elements are deleted,
// the local document is cleared, and the clear is broadcast. The storage
// delete is best-effort; a failure is logged and the local clear and
// broadcast still go out.
func (c *Controller) Clear(ctx context.Context) {
	if err := c.session.ClearPersisted(ctx); err != nil {
		boardlog.Warn("failed to clear persisted elements", zap.Error(err))
	}
	c.doc.Clear()
	c.session.SendClear(ctx)
}

// SelectAt returns the topmost element whose bounds, expanded by the
// tolerance, contain the point. Topmost means latest in the canonical
// timestamp order. A non-positive tolerance uses DefaultHitTolerance.
func (c *Controller) SelectAt(p board.Point, tolerance float64) (*board.Element, bool) {
	if tolerance <= 0 {
		tolerance = DefaultHitTolerance
	}

	all := c.doc.AllElements()
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Bounds().Expand(tolerance).Contains(p) {
			return all[i], true
		}
	}
	return nil, false
}

// DeleteElement removes the element locally (redoably, onto the redo stack)
// and broadcasts the deletion. Peers apply it as a plain delete.
func (c *Controller) DeleteElement(ctx context.Context, elementID string) bool {
	if !c.doc.RemoveElementByID(elementID) {
		return false
	}
	c.session.SendDelete(ctx, elementID)
	return true
}
