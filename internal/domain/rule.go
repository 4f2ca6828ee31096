package domain

import "time"

// AlertRule is one user-defined permit subscription.
// Params: spatial scope (AOI ids), attribute filters, operator watchlist, and delivery channels.
// Returns: immutable rule definition consumed by the matcher.
type AlertRule struct {
	ID                string      `json:"id"`
	WorkspaceID       string      `json:"workspace_id"`
	Name              string      `json:"name"`
	AOIIDs            []string    `json:"aoi_ids,omitempty"`
	Filters           RuleFilters `json:"filters"`
	OperatorWatchlist []string    `json:"operator_watchlist,omitempty"`
	NotifyOnAmendment bool        `json:"notify_on_amendment"`
	Channels          []Channel   `json:"channels"`
	IsActive          bool        `json:"is_active"`
}

// RuleFilters holds optional inclusion lists and filed-after bound.
// Params: empty list or nil date means the filter is unset.
// Returns: attribute filter set.
type RuleFilters struct {
	OperatorIDs []string   `json:"operator_ids,omitempty"`
	Counties    []string   `json:"counties,omitempty"`
	Statuses    []string   `json:"statuses,omitempty"`
	PermitTypes []string   `json:"permit_types,omitempty"`
	FiledAfter  *time.Time `json:"filed_after,omitempty"`
}

// HasAny reports whether at least one filter is set.
// Params: none.
// Returns: true when any inclusion list is non-empty or filed-after is set.
func (f RuleFilters) HasAny() bool {
	return len(f.OperatorIDs) > 0 ||
		len(f.Counties) > 0 ||
		len(f.Statuses) > 0 ||
		len(f.PermitTypes) > 0 ||
		f.FiledAfter != nil
}

// GeometryType names supported AOI geometry kinds.
type GeometryType string

const (
	// GeometryPolygon is one polygon made of rings.
	GeometryPolygon GeometryType = "Polygon"
	// GeometryMultiPolygon is a list of polygons.
	GeometryMultiPolygon GeometryType = "MultiPolygon"
)

// Position is one [lon, lat] coordinate pair.
type Position [2]float64

// Lon returns longitude component.
func (p Position) Lon() float64 { return p[0] }

// Lat returns latitude component.
func (p Position) Lat() float64 { return p[1] }

// Ring is a closed or open list of positions; first ring of a polygon is its outer boundary.
type Ring []Position

// Polygon is a list of rings.
type Polygon []Ring

// Geometry stores AOI shape.
// Params: type selects which coordinate field is populated.
// Returns: polygon or multipolygon geometry.
type Geometry struct {
	Type         GeometryType `json:"type"`
	Polygon      Polygon      `json:"polygon,omitempty"`
	MultiPolygon []Polygon    `json:"multipolygon,omitempty"`
}

// AreaOfInterest is one spatial scope referenced by rules.
// Params: identity, geometry, and optional buffer distance.
// Returns: AOI definition for containment checks.
type AreaOfInterest struct {
	ID          string   `json:"id"`
	WorkspaceID string   `json:"workspace_id"`
	Name        string   `json:"name,omitempty"`
	Geometry    Geometry `json:"geometry"`
	BufferMiles float64  `json:"buffer_miles,omitempty"`
}
