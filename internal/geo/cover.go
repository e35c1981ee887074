package geo

import (
	"math"
	"sort"

	"github.com/tidwall/rtree"
)

// Rect is an axis-aligned bounding rectangle in lon/lat degrees.
type Rect struct {
	MinX, MinY, MaxX, MaxY float64
}

// Intersects reports whether two rectangles overlap.
func (r Rect) Intersects(o Rect) bool {
	return r.MinX <= o.MaxX && r.MaxX >= o.MinX && r.MinY <= o.MaxY && r.MaxY >= o.MinY
}

// Contains reports whether o lies entirely within r.
func (r Rect) Contains(o Rect) bool {
	return o.MinX >= r.MinX && o.MaxX <= r.MaxX && o.MinY >= r.MinY && o.MaxY <= r.MaxY
}

// Area is the planar area of the rectangle in degree².
func (r Rect) Area() float64 {
	return (r.MaxX - r.MinX) * (r.MaxY - r.MinY)
}

// Geom returns the rectangle as a single-polygon ring set.
func (r Rect) Geom() Geom { return r.toGeom() }

func (r Rect) toGeom() Geom {
	return Geom{{{
		{r.MinX, r.MinY},
		{r.MaxX, r.MinY},
		{r.MaxX, r.MaxY},
		{r.MinX, r.MaxY},
		{r.MinX, r.MinY},
	}}}
}

// BoundOf computes the bounding rectangle of a ring set.
func BoundOf(g Geom) Rect {
	r := Rect{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	for _, rings := range g {
		for _, ring := range rings {
			for _, pt := range ring {
				r.MinX = math.Min(r.MinX, pt[0])
				r.MinY = math.Min(r.MinY, pt[1])
				r.MaxX = math.Max(r.MaxX, pt[0])
				r.MaxY = math.Max(r.MaxY, pt[1])
			}
		}
	}
	return r
}

// CoverOptions controls the rectangle-cover search.
type CoverOptions struct {
	// Target number of fully-inside rectangles to find before stopping.
	Target int
	// MinWidth and MinHeight, in degrees, below which rectangles are not
	// split further.
	MinWidth  float64
	MinHeight float64
	// Bound overrides the starting rectangle. Defaults to the polygon's
	// bounding box.
	Bound *Rect
}

// Cover is the output of CoverWithRectangles: rectangles fully inside the
// polygon and rectangles fully outside it. Mixed rectangles smaller than the
// minimum size are dropped.
type Cover struct {
	Inside  []Rect
	Outside []Rect
}

const (
	insideAreaRatio  = 0.99
	outsideAreaRatio = 0.01
)

type rectClass int

const (
	rectInside rectClass = iota
	rectOutside
	rectMixed
)

// CoverWithRectangles approximates a polygon with axis-aligned rectangles by
// recursively quad-splitting its bounding box. Each candidate is classified
// by the ratio of its intersection area with the polygon to its own area;
// mixed rectangles are split along whichever axis yields the larger combined
// inside area and re-queued. The search stops once Target inside rectangles
// exist or all remaining rectangles are below the minimum dimensions.
func CoverWithRectangles(g Geom, opts CoverOptions) (Cover, error) {
	if len(g) == 0 {
		return Cover{}, ErrInvalidInput
	}
	if opts.Target <= 0 {
		opts.Target = 100
	}
	if opts.MinWidth <= 0 {
		opts.MinWidth = 1e-4
	}
	if opts.MinHeight <= 0 {
		opts.MinHeight = 1e-4
	}

	start := BoundOf(g)
	if opts.Bound != nil {
		start = *opts.Bound
	}

	var cover Cover
	queue := []Rect{start}
	for len(queue) > 0 && len(cover.Inside) < opts.Target {
		// Work largest-first so early inside hits cover the most area.
		sort.Slice(queue, func(i, j int) bool { return queue[i].Area() > queue[j].Area() })
		r := queue[0]
		queue = queue[1:]

		if r.MaxX-r.MinX < opts.MinWidth || r.MaxY-r.MinY < opts.MinHeight {
			continue
		}

		cls, err := classifyRect(r, g)
		if err != nil {
			return Cover{}, err
		}
		switch cls {
		case rectInside:
			cover.Inside = append(cover.Inside, r)
			continue
		case rectOutside:
			cover.Outside = append(cover.Outside, r)
			continue
		}

		ax1, ax2 := splitRect(r, true)
		ay1, ay2 := splitRect(r, false)
		gainX, err := splitScore(ax1, ax2, g)
		if err != nil {
			return Cover{}, err
		}
		gainY, err := splitScore(ay1, ay2, g)
		if err != nil {
			return Cover{}, err
		}
		if gainX >= gainY {
			queue = append(queue, ax1, ax2)
		} else {
			queue = append(queue, ay1, ay2)
		}
	}
	return cover, nil
}

func classifyRect(r Rect, poly Geom) (rectClass, error) {
	inter, err := Intersect(poly, r.toGeom())
	if err != nil {
		return rectMixed, err
	}
	if len(inter) == 0 {
		return rectOutside, nil
	}
	ratio := planarArea(inter) / r.Area()
	switch {
	case ratio > insideAreaRatio:
		return rectInside, nil
	case ratio < outsideAreaRatio:
		return rectOutside, nil
	default:
		return rectMixed, nil
	}
}

func splitRect(r Rect, alongX bool) (Rect, Rect) {
	if alongX {
		mid := (r.MinX + r.MaxX) / 2
		return Rect{r.MinX, r.MinY, mid, r.MaxY}, Rect{mid, r.MinY, r.MaxX, r.MaxY}
	}
	mid := (r.MinY + r.MaxY) / 2
	return Rect{r.MinX, r.MinY, r.MaxX, mid}, Rect{r.MinX, mid, r.MaxX, r.MaxY}
}

func splitScore(a, b Rect, poly Geom) (float64, error) {
	var score float64
	for _, r := range []Rect{a, b} {
		cls, err := classifyRect(r, poly)
		if err != nil {
			return 0, err
		}
		if cls == rectInside {
			score += r.Area()
		}
	}
	return score, nil
}

// shoelace over outer rings, in degree²
func planarArea(g Geom) float64 {
	var total float64
	for _, rings := range g {
		if len(rings) == 0 {
			continue
		}
		ring := rings[0]
		var a float64
		for i := 0; i+1 < len(ring); i++ {
			a += ring[i][0]*ring[i+1][1] - ring[i+1][0]*ring[i][1]
		}
		total += math.Abs(a) / 2
	}
	return total
}

// Classification is the fast-path verdict for a candidate bounding box.
type Classification int

const (
	// Uncertain means the exact boolean check is still required.
	Uncertain Classification = iota
	// InsideFast means the candidate is certainly inside the polygon.
	InsideFast
	// OutsideFast means the candidate is certainly outside the polygon.
	OutsideFast
)

func (c Classification) String() string {
	switch c {
	case InsideFast:
		return "inside_fast"
	case OutsideFast:
		return "outside_fast"
	default:
		return "uncertain"
	}
}

// ContainmentIndex answers bounding-box containment queries in O(log n) using
// two R-trees built from a rectangle cover.
type ContainmentIndex struct {
	inside  rtree.RTreeG[Rect]
	outside rtree.RTreeG[Rect]
}

// BuildIndex loads the cover's rectangles into R-trees.
func (c Cover) BuildIndex() *ContainmentIndex {
	ix := &ContainmentIndex{}
	for _, r := range c.Inside {
		ix.inside.Insert([2]float64{r.MinX, r.MinY}, [2]float64{r.MaxX, r.MaxY}, r)
	}
	for _, r := range c.Outside {
		ix.outside.Insert([2]float64{r.MinX, r.MinY}, [2]float64{r.MaxX, r.MaxY}, r)
	}
	return ix
}

// Classify returns InsideFast if the candidate box is contained by an inside
// rectangle, OutsideFast if contained by an outside rectangle, and Uncertain
// otherwise.
func (ix *ContainmentIndex) Classify(b Rect) Classification {
	result := Uncertain
	ix.inside.Search([2]float64{b.MinX, b.MinY}, [2]float64{b.MaxX, b.MaxY},
		func(_, _ [2]float64, r Rect) bool {
			if r.Contains(b) {
				result = InsideFast
				return false
			}
			return true
		})
	if result != Uncertain {
		return result
	}
	ix.outside.Search([2]float64{b.MinX, b.MinY}, [2]float64{b.MaxX, b.MaxY},
		func(_, _ [2]float64, r Rect) bool {
			if r.Contains(b) {
				result = OutsideFast
				return false
			}
			return true
		})
	return result
}
