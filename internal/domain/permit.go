package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CleanPermit is one normalized permit record handed to the matcher.
// Params: identity, optional attributes, optional surface location, and lifecycle dates.
// Returns: ephemeral evaluation input.
type CleanPermit struct {
	ID           string         `json:"id"`
	PermitNumber string         `json:"permit_number"`
	PermitType   *string        `json:"permit_type,omitempty"`
	Status       *string        `json:"status,omitempty"`
	OperatorID   *string        `json:"operator_id,omitempty"`
	County       *string        `json:"county,omitempty"`
	District     *string        `json:"district,omitempty"`
	LeaseName    *string        `json:"lease_name,omitempty"`
	WellNumber   *string        `json:"well_number,omitempty"`
	APINumber    *string        `json:"api_number,omitempty"`
	SurfaceLat   *float64       `json:"surface_lat,omitempty"`
	SurfaceLon   *float64       `json:"surface_lon,omitempty"`
	FiledDate    *time.Time     `json:"filed_date,omitempty"`
	ApprovedDate *time.Time     `json:"approved_date,omitempty"`
	AmendedDate  *time.Time     `json:"amended_date,omitempty"`
	IsAmendment  bool           `json:"is_amendment"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// HasLocation reports whether both surface coordinates are present.
// Params: none.
// Returns: true when lat and lon are set.
func (p CleanPermit) HasLocation() bool {
	return p.SurfaceLat != nil && p.SurfaceLon != nil
}

// DecodePermit decodes and validates one permit payload.
// Params: JSON document bytes.
// Returns: validated permit or decode/validation error.
func DecodePermit(raw []byte) (CleanPermit, error) {
	var permit CleanPermit
	if err := json.Unmarshal(raw, &permit); err != nil {
		return CleanPermit{}, fmt.Errorf("decode permit: %w", err)
	}
	if err := permit.Validate(); err != nil {
		return CleanPermit{}, err
	}
	return permit, nil
}

// DecodePermitReader decodes and validates one permit from stream.
// Params: decoder positioned at one JSON object.
// Returns: validated permit or decode/validation error.
func DecodePermitReader(reader *json.Decoder) (CleanPermit, error) {
	var permit CleanPermit
	if err := reader.Decode(&permit); err != nil {
		return CleanPermit{}, fmt.Errorf("decode permit: %w", err)
	}
	if err := permit.Validate(); err != nil {
		return CleanPermit{}, err
	}
	return permit, nil
}

// DecodePermitsReader decodes and validates one batch of permits from stream.
// Params: decoder positioned at one JSON array.
// Returns: validated permits or decode/validation error.
func DecodePermitsReader(reader *json.Decoder) ([]CleanPermit, error) {
	var permits []CleanPermit
	if err := reader.Decode(&permits); err != nil {
		return nil, fmt.Errorf("decode permit batch: %w", err)
	}
	if len(permits) == 0 {
		return nil, errors.New("permit batch must contain at least one permit")
	}
	for i := range permits {
		if err := permits[i].Validate(); err != nil {
			return nil, fmt.Errorf("permit[%d]: %w", i, err)
		}
	}
	return permits, nil
}

// Validate validates one permit against the ingest contract.
// Params: permit fields parsed from transport.
// Returns: validation error when required fields are missing or coordinates are out of range.
func (p CleanPermit) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(p.PermitNumber) == "" {
		return errors.New("permit_number is required")
	}
	if (p.SurfaceLat == nil) != (p.SurfaceLon == nil) {
		return errors.New("surface_lat and surface_lon must be set together")
	}
	if p.SurfaceLat != nil {
		if *p.SurfaceLat < -90 || *p.SurfaceLat > 90 {
			return fmt.Errorf("surface_lat %v out of range", *p.SurfaceLat)
		}
		if *p.SurfaceLon < -180 || *p.SurfaceLon > 180 {
			return fmt.Errorf("surface_lon %v out of range", *p.SurfaceLon)
		}
	}
	return nil
}
