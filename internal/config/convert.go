package config

import (
	"strings"

	"permitalert/internal/domain"
)

// AlertRules converts rule tables to domain rules.
// Params: validated snapshot.
// Returns: rules in id order; `active` defaults to true.
func (cfg Config) AlertRules() []domain.AlertRule {
	out := make([]domain.AlertRule, 0, len(cfg.Rule))
	for _, rule := range cfg.Rule {
		active := true
		if rule.Active != nil {
			active = *rule.Active
		}
		channels := make([]domain.Channel, 0, len(rule.Channels))
		for _, channel := range rule.Channels {
			channels = append(channels, domain.Channel(strings.ToLower(strings.TrimSpace(channel))))
		}
		converted := domain.AlertRule{
			ID:          rule.ID,
			WorkspaceID: rule.Workspace,
			Name:        rule.Name,
			AOIIDs:      append([]string(nil), rule.AOIIDs...),
			Filters: domain.RuleFilters{
				OperatorIDs: append([]string(nil), rule.OperatorIDs...),
				Counties:    append([]string(nil), rule.Counties...),
				Statuses:    append([]string(nil), rule.Statuses...),
				PermitTypes: append([]string(nil), rule.PermitTypes...),
			},
			OperatorWatchlist: append([]string(nil), rule.OperatorWatchlist...),
			NotifyOnAmendment: rule.NotifyOnAmendment,
			Channels:          channels,
			IsActive:          active,
		}
		if converted.Name == "" {
			converted.Name = rule.ID
		}
		if strings.TrimSpace(rule.FiledAfter) != "" {
			if filedAfter, err := ParseFiledAfter(rule.FiledAfter); err == nil {
				converted.Filters.FiledAfter = &filedAfter
			}
		}
		out = append(out, converted)
	}
	return out
}

// AreasOfInterest converts AOI tables to domain AOIs.
// Params: validated snapshot.
// Returns: AOIs in id order.
func (cfg Config) AreasOfInterest() []domain.AreaOfInterest {
	out := make([]domain.AreaOfInterest, 0, len(cfg.AOI))
	for _, aoi := range cfg.AOI {
		geometry := domain.Geometry{Type: domain.GeometryType(aoi.Type)}
		switch geometry.Type {
		case domain.GeometryPolygon:
			geometry.Polygon = toPolygon(aoi.Polygon)
		case domain.GeometryMultiPolygon:
			geometry.MultiPolygon = make([]domain.Polygon, 0, len(aoi.MultiPolygon))
			for _, polygon := range aoi.MultiPolygon {
				geometry.MultiPolygon = append(geometry.MultiPolygon, toPolygon(polygon))
			}
		}
		out = append(out, domain.AreaOfInterest{
			ID:          aoi.ID,
			WorkspaceID: aoi.Workspace,
			Name:        aoi.Name,
			Geometry:    geometry,
			BufferMiles: aoi.BufferMiles,
		})
	}
	return out
}

func toPolygon(raw [][][]float64) domain.Polygon {
	polygon := make(domain.Polygon, 0, len(raw))
	for _, rawRing := range raw {
		ring := make(domain.Ring, 0, len(rawRing))
		for _, position := range rawRing {
			if len(position) != 2 {
				continue
			}
			ring = append(ring, domain.Position{position[0], position[1]})
		}
		polygon = append(polygon, ring)
	}
	return polygon
}

// Preferences converts user tables to notification preferences keyed by user id.
// Params: validated snapshot.
// Returns: preference map; empty digest means immediate.
func (cfg Config) Preferences() map[string]domain.NotificationPreferences {
	out := make(map[string]domain.NotificationPreferences, len(cfg.User))
	for id, user := range cfg.User {
		digest := domain.DigestFrequency(strings.ToLower(strings.TrimSpace(user.Digest)))
		if digest == "" {
			digest = domain.DigestImmediate
		}
		out[id] = domain.NotificationPreferences{
			UserID:          id,
			Timezone:        strings.TrimSpace(user.Timezone),
			QuietHoursStart: copyInt(user.QuietHoursStart),
			QuietHoursEnd:   copyInt(user.QuietHoursEnd),
			EmailEnabled:    user.EmailEnabled,
			EmailAddress:    strings.TrimSpace(user.Email),
			SMSEnabled:      user.SMSEnabled,
			PhoneNumber:     strings.TrimSpace(user.Phone),
			InAppEnabled:    user.InAppEnabled,
			TelegramEnabled: user.TelegramEnabled,
			TelegramChatID:  strings.TrimSpace(user.TelegramChatID),
			DigestFrequency: digest,
		}
	}
	return out
}

// Members returns workspace member lists keyed by workspace id.
func (cfg Config) Members() map[string][]string {
	out := make(map[string][]string, len(cfg.Workspace))
	for id, workspace := range cfg.Workspace {
		out[id] = append([]string(nil), workspace.Members...)
	}
	return out
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
