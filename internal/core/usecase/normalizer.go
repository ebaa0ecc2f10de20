package usecase

import (
	"math"
	"strings"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

const defaultPointPrecision = 7

// DefaultNormalizer canonicalizes values before they are diffed: strings
// are trimmed and empty strings become null, points are rounded, and
// configured unit factors convert display units into storage units.
type DefaultNormalizer struct {
	// UnitFactors maps "Model.field" to a multiplier applied to float values.
	UnitFactors    map[string]float64
	PointPrecision int
}

func (n DefaultNormalizer) Normalize(model domain.ModelKind, field string, v domain.Value) (domain.Value, error) {
	switch v.Kind() {
	case domain.KindString:
		s := strings.TrimSpace(v.Str())
		if s == "" {
			return domain.Null(), nil
		}
		return domain.String(s), nil
	case domain.KindChoice:
		s := strings.TrimSpace(v.Str())
		if s == "" {
			return domain.Null(), nil
		}
		return domain.Choice(s), nil
	case domain.KindFloat:
		if factor, ok := n.UnitFactors[string(model)+"."+field]; ok {
			return domain.Float(v.Float() * factor), nil
		}
	case domain.KindPoint:
		p := v.Point()
		return domain.PointAt(round(p.X, n.precision()), round(p.Y, n.precision())), nil
	case domain.KindMultiChoice:
		items := v.Items()
		out := items[:0]
		for _, item := range items {
			if s := strings.TrimSpace(item); s != "" {
				out = append(out, s)
			}
		}
		return domain.MultiChoice(out...), nil
	}
	return v, nil
}

func (n DefaultNormalizer) precision() int {
	if n.PointPrecision <= 0 {
		return defaultPointPrecision
	}
	return n.PointPrecision
}

func round(f float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(f*scale) / scale
}
